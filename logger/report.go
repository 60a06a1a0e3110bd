package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	feedFramesRead  int64
	ticksProcessed  int64
	ticksDropped    int64
	broadcastsSent  int64
	storeWrites     int64
	warnCounts      sync.Map // map[string]*int64 keyed by component
	errorCounts     sync.Map // map[string]*int64 keyed by component
	activeSessions  int64
	aggregateRuns   int64
)

func recordWarn(component string) {
	v, _ := warnCounts.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordError(component string) {
	v, _ := errorCounts.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func IncrementFeedFrameRead() {
	atomic.AddInt64(&feedFramesRead, 1)
}

func IncrementTickProcessed() {
	atomic.AddInt64(&ticksProcessed, 1)
}

func IncrementTickDropped() {
	atomic.AddInt64(&ticksDropped, 1)
}

func IncrementBroadcastSent() {
	atomic.AddInt64(&broadcastsSent, 1)
}

func IncrementStoreWrite() {
	atomic.AddInt64(&storeWrites, 1)
}

func IncrementAggregateRun() {
	atomic.AddInt64(&aggregateRuns, 1)
}

func SetActiveSessions(n int64) {
	atomic.StoreInt64(&activeSessions, n)
}

// StartReport begins periodic logging of system and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	warns := map[string]int64{}
	warnCounts.Range(func(k, v any) bool {
		warns[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	errs := map[string]int64{}
	errorCounts.Range(func(k, v any) bool {
		errs[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})

	fields := Fields{
		"feed_frames_read": atomic.LoadInt64(&feedFramesRead),
		"ticks_processed":  atomic.LoadInt64(&ticksProcessed),
		"ticks_dropped":    atomic.LoadInt64(&ticksDropped),
		"broadcasts_sent":  atomic.LoadInt64(&broadcastsSent),
		"store_writes":     atomic.LoadInt64(&storeWrites),
		"aggregate_runs":   atomic.LoadInt64(&aggregateRuns),
		"active_sessions":  atomic.LoadInt64(&activeSessions),
		"warns":            warns,
		"errors":           errs,
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("FeedFramesRead"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&feedFramesRead)))},
		{MetricName: aws.String("TicksProcessed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ticksProcessed)))},
		{MetricName: aws.String("TicksDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ticksDropped)))},
		{MetricName: aws.String("BroadcastsSent"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&broadcastsSent)))},
		{MetricName: aws.String("StoreWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&storeWrites)))},
		{MetricName: aws.String("ActiveSessions"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&activeSessions)))},
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
	}

	publishMetrics(ctx, data)
}
