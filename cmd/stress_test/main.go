package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rl1809/flash-sale-engine/internal/adapter/gateway"
	"github.com/rl1809/flash-sale-engine/internal/adapter/storage"
	"github.com/rl1809/flash-sale-engine/internal/core/domain"
	"github.com/rl1809/flash-sale-engine/internal/core/service"
	"github.com/rl1809/flash-sale-engine/internal/logger"
	"github.com/rl1809/flash-sale-engine/internal/port"
)

const (
	initialStock  = 20
	totalRequests = 50
	abandonEvery  = 5
)

func main() {
	ctx := context.Background()
	log := logger.New("info", true)

	var db port.DatabaseRepository = storage.NewMemoryStore()
	if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
		sqlDB, err := storage.OpenMySQL(ctx, dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect mysql")
		}
		defer sqlDB.Close()
		adapter := storage.NewMySQLAdapter(sqlDB)
		if err := adapter.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to apply schema")
		}
		db = adapter
	}

	var cache port.CacheRepository = storage.NewMemoryCache()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		cache = storage.NewRedisAdapter(rdb)
	}

	quiet := zerolog.Nop()
	pay := gateway.NewFakeGateway("http://stress.local", false)
	rules, err := service.NewEligibility()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build eligibility rules")
	}
	clock := service.SystemClock()
	ledger := service.NewLedger(db, cache, quiet)
	purchases := service.NewPurchaseStore(db, clock, func(string) time.Duration { return 72 * time.Hour }, quiet)
	checkout := service.NewCheckoutService(db, ledger, purchases, pay, cache, rules, clock, service.CheckoutConfig{
		ReservationTTL:  10 * time.Minute,
		IdempotencyTTL:  time.Hour,
		GatewayAttempts: 3,
		GatewayBackoff:  10 * time.Millisecond,
		SuccessURL:      "http://stress.local/ok",
		CancelURL:       "http://stress.local/cancel",
	}, quiet)
	settlement := service.NewSettlementService(db, ledger, purchases, pay, discard{}, clock, quiet)
	sales := service.NewSaleService(db, db, ledger, rules, clock, quiet)

	now := time.Now().UTC()
	sale, err := sales.CreateSale(ctx, domain.Sale{
		Title:         "stress drop",
		Kind:          "flash",
		OriginalPrice: 9900,
		Currency:      "usd",
		StartTime:     now.Add(-time.Second),
		EndTime:       now.Add(time.Hour),
		MaxQuantity:   initialStock,
		LimitPerUser:  1,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create sale")
	}

	var reserved, soldOut, otherErr, settled, abandoned atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			userID := fmt.Sprintf("user-%d", n)
			res, err := checkout.InitiatePurchase(ctx, service.CheckoutRequest{UserID: userID, SaleID: sale.ID, Quantity: 1})
			switch {
			case errors.Is(err, service.ErrStockUnavailable):
				soldOut.Add(1)
				return
			case err != nil:
				otherErr.Add(1)
				log.Warn().Err(err).Str("user_id", userID).Msg("unexpected checkout error")
				return
			}
			reserved.Add(1)

			if n%abandonEvery == 0 {
				if err := settlement.FailPurchase(ctx, userID, res.PurchaseID, "abandoned"); err == nil {
					abandoned.Add(1)
				}
				return
			}

			pay.Pay(res.SessionID)
			if _, err := settlement.CompleteSettlement(ctx, res.PurchaseID, res.SessionID); err == nil {
				settled.Add(1)
			} else {
				log.Warn().Err(err).Str("purchase_id", res.PurchaseID).Msg("settlement failed")
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	final, err := db.GetSale(ctx, sale.ID)
	if err != nil || final == nil {
		log.Fatal().Err(err).Msg("failed to reload sale")
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Reserved:         %d\n", reserved.Load())
	fmt.Printf("Sold Out:         %d\n", soldOut.Load())
	fmt.Printf("Other Errors:     %d\n", otherErr.Load())
	fmt.Printf("Abandoned:        %d\n", abandoned.Load())
	fmt.Printf("Settled:          %d\n", settled.Load())
	fmt.Printf("Sold Quantity:    %d\n", final.SoldQuantity)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if final.SoldQuantity > initialStock {
		fmt.Printf("FAIL: oversold, %d units sold of %d\n", final.SoldQuantity, initialStock)
		os.Exit(1)
	}
	if int(settled.Load()) != final.SoldQuantity {
		fmt.Printf("FAIL: %d settled purchases but %d units sold\n", settled.Load(), final.SoldQuantity)
		os.Exit(1)
	}
	fmt.Printf("PASS: %d units sold, never above %d\n", final.SoldQuantity, initialStock)
}

type discard struct{}

func (discard) Publish(context.Context, domain.Event) {}
