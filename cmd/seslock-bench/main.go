package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	capi "github.com/hashicorp/consul/api"
	redis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lockmesh/go-sessionlock/v1/store"
	"github.com/lockmesh/go-sessionlock/v1/wakebus"
)

var (
	concurrency = flag.Int("c", 20, "Concurrent lockers")
	cycles      = flag.Int("n", 10000, "Acquire/release cycles")
	keys        = flag.Int("k", 16, "Distinct keys (contention = c/k)")
	ttl         = flag.Duration("ttl", 15*time.Second, "Session TTL")
	target      = flag.String("target", "memory", "Target: memory, redis, consul, etcd (comma separated)")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address")
	consulAddr  = flag.String("consul-addr", "localhost:8500", "Consul address")
	etcdAddr    = flag.String("etcd-addr", "localhost:2379", "etcd address")
)

func main() {
	flag.Parse()

	fmt.Printf("| %-10s | %-10s | %-12s | %-12s |\n", "Backend", "Cycles/sec", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|")

	for _, t := range strings.Split(*target, ",") {
		runBenchmark(strings.TrimSpace(t))
	}
}

func openStore(name string) (store.Store, func(), error) {
	switch name {
	case "memory":
		m := store.NewInMemory(nil)
		return m, func() { m.Close() }, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		bus := wakebus.NewRedisBus(client)
		return store.NewRedis(client, bus), func() { client.Close() }, nil

	case "consul":
		client, err := capi.NewClient(&capi.Config{Address: *consulAddr})
		if err != nil {
			return nil, nil, err
		}
		return store.NewConsul(client, "seslock-bench"), func() {}, nil

	case "etcd":
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   []string{*etcdAddr},
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return store.NewEtcd(client, "/seslock-bench"), func() { client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown target %q", name)
	}
}

// cycle claims a key under a fresh session, releases it, and destroys the
// session, the full protocol a guarded section pays per run.
func cycle(ctx context.Context, st store.Store, key string) error {
	sid, err := st.CreateSession(ctx, *ttl)
	if err != nil {
		return err
	}
	defer st.DestroySession(ctx, sid)

	for {
		res, err := st.AcquireKey(ctx, key, nil, sid)
		if err != nil {
			return err
		}
		if res.Acquired {
			break
		}
		if _, err := st.WatchKey(ctx, key, res.Index, 5*time.Second); err != nil {
			return err
		}
	}
	_, err = st.ReleaseKey(ctx, key, sid)
	return err
}

func runBenchmark(name string) {
	st, cleanup, err := openStore(name)
	if err != nil {
		log.Printf("%s: %v", name, err)
		fmt.Printf("| %-10s | %-10s | %-12s | %-12s |\n", name, "ERROR", "-", "-")
		return
	}
	defer cleanup()

	ctx := context.Background()
	total := *cycles
	var ok int64
	latencies := make([]int64, total)

	var wg sync.WaitGroup
	chunk := total / *concurrency
	start := time.Now()

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			offset := idx * chunk
			key := fmt.Sprintf("bench/locks/%d", idx%*keys)
			for j := 0; j < chunk; j++ {
				reqStart := time.Now()
				if err := cycle(ctx, st, key); err == nil {
					atomic.AddInt64(&ok, 1)
					latencies[offset+j] = time.Since(reqStart).Nanoseconds()
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	if ok == 0 {
		fmt.Printf("| %-10s | %-10s | %-12s | %-12s |\n", name, "ERROR", "-", "-")
		return
	}

	throughput := float64(ok) / elapsed.Seconds()
	avgLat := float64(elapsed.Nanoseconds()) / float64(ok)

	p99 := "-"
	valid := make([]int64, 0, ok)
	for _, l := range latencies {
		if l > 0 {
			valid = append(valid, l)
		}
	}
	if len(valid) > 0 {
		sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })
		idx := int(float64(len(valid)) * 0.99)
		if idx >= len(valid) {
			idx = len(valid) - 1
		}
		p99 = fmt.Sprintf("%d", valid[idx])
	}

	fmt.Printf("| %-10s | %-10.0f | %-12.0f | %-12s |\n", name, throughput, avgLat, p99)
}
