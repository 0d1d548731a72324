// Loadtest drives a single-process runner with request bursts and
// reports throughput per batch.
//
// Configuration via environment:
//
//	N=50000   total requests
//	E=100     distinct entities
//	B=1000    batch size for reporting
//	C=1       per-entity concurrency
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/codewandler/shardrun-go/core/app"
	"github.com/codewandler/shardrun-go/core/engine"
	"github.com/codewandler/shardrun-go/core/entity"
)

var (
	logLevel    = slog.LevelWarn
	n           = getEnvInt("N", 50_000)
	numEntities = getEnvInt("E", 100)
	batchSize   = getEnvInt("B", 1_000)
	concurrency = getEnvInt("C", 1)
)

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

type tick struct {
	I int `json:"i"`
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(log)

	fmt.Printf("Requests:    %d\n", n)
	fmt.Printf("Entities:    %d\n", numEntities)
	fmt.Printf("Concurrency: %d\n", concurrency)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	a, err := app.Run(app.Config{
		Context:     ctx,
		Log:         log,
		Concurrency: concurrency,
		Behavior: func(entity.Address) (engine.Behavior, error) {
			count := 0
			return engine.BehaviorFunc(func(c *engine.Ctx) (any, error) {
				var t tick
				if err := c.Bind(&t); err != nil {
					return nil, err
				}
				count++
				return count, nil
			}), nil
		},
		Messages: map[string]func() any{
			"tick": func() any { return &tick{} },
		},
	})
	checkErr(err)
	defer a.Stop()

	fmt.Println("==================================")
	fmt.Println("Starting ...")

	startAt := time.Now()
	lastTime := startAt

	for i := 0; i < n; i++ {
		entityID := fmt.Sprintf("entity-%d", i%numEntities)
		call, err := a.Request(ctx, a.AddressFor("Ticker", entityID), "tick", tick{I: i})
		checkErr(err)

		_, exit, err := call.Collect(ctx)
		checkErr(err)
		if exit.Exit.Kind != entity.ExitSuccess {
			checkErr(fmt.Errorf("request %d failed: %s", i, exit.Exit.Cause))
		}

		if i == 0 {
			continue
		}
		if i%100 == 0 {
			print(".")
		}
		if i%batchSize == 0 {
			mu := getMemUsage()
			now := time.Now()
			took := now.Sub(lastTime)
			fmt.Printf(" | %5d requests | %6d ms | %6d req/s | (%d / %d) MiB mem (sys) |\n",
				batchSize, took.Milliseconds(), int(float64(batchSize)/took.Seconds()),
				mu.Alloc/1024/1024, mu.Sys/1024/1024)
			lastTime = now
		}
	}

	total := time.Since(startAt)
	fmt.Println()
	fmt.Println("==================================")
	fmt.Printf("Total:    %d requests in %s\n", n, total)
	fmt.Printf("Rate:     %d req/s\n", int(float64(n)/total.Seconds()))
	fmt.Printf("Entities: %d live\n", a.Manager().ActiveEntityCount())
}

func checkErr(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "loadtest failed: %v\n", err)
		os.Exit(1)
	}
}

func getMemUsage() runtime.MemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m
}
