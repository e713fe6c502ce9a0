package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type queueStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFeed       int64
	errorsBroker     int64
	warnsFeed        int64
	warnsBroker      int64
	barsStreamed     int64
	historicalPages  int64
	orderEvents      int64
	streamReconnects int64
	recorderWrites   int64
	queues           sync.Map // map[string]*queueStat
)

func recordWarn(component string) {
	if strings.Contains(component, "feed") || strings.Contains(component, "stream") {
		atomic.AddInt64(&warnsFeed, 1)
	} else if strings.Contains(component, "broker") {
		atomic.AddInt64(&warnsBroker, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "feed") || strings.Contains(component, "stream") {
		atomic.AddInt64(&errorsFeed, 1)
	} else if strings.Contains(component, "broker") {
		atomic.AddInt64(&errorsBroker, 1)
	}
}

// IncrementBarStreamed counts one live bar handed to a feed queue.
func IncrementBarStreamed(size int) {
	atomic.AddInt64(&barsStreamed, 1)
	recordQueue("live_bars", size)
}

// IncrementHistoricalPage counts one page fetched from the bars endpoint.
func IncrementHistoricalPage(bars int) {
	atomic.AddInt64(&historicalPages, 1)
	recordQueue("historical_bars", bars)
}

// IncrementOrderEvent counts one order status transition observed.
func IncrementOrderEvent() {
	atomic.AddInt64(&orderEvents, 1)
}

// IncrementStreamReconnect counts one websocket reconnect cycle.
func IncrementStreamReconnect() {
	atomic.AddInt64(&streamReconnects, 1)
}

// IncrementRecorderWrite counts one parquet flush of captured bars.
func IncrementRecorderWrite(size int64) {
	atomic.AddInt64(&recorderWrites, 1)
	recordQueue("recorder", int(size))
}

func recordQueue(name string, size int) {
	v, _ := queues.LoadOrStore(name, &queueStat{})
	qs := v.(*queueStat)
	atomic.AddInt64(&qs.messages, 1)
	atomic.AddInt64(&qs.bytes, int64(size))
}

// StartReport begins periodic logging of system and data flow statistics.
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
	netStats, _ := gnet.IOCounters(false)

	queueData := map[string]map[string]int64{}
	queues.Range(func(k, v any) bool {
		name := k.(string)
		qs := v.(*queueStat)
		queueData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&qs.messages),
			"bytes":    atomic.LoadInt64(&qs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	memUsedMB := int64(0)
	if memStats != nil {
		memUsedMB = int64(memStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"errors_feed":       atomic.LoadInt64(&errorsFeed),
		"errors_broker":     atomic.LoadInt64(&errorsBroker),
		"warns_feed":        atomic.LoadInt64(&warnsFeed),
		"warns_broker":      atomic.LoadInt64(&warnsBroker),
		"bars_streamed":     atomic.LoadInt64(&barsStreamed),
		"historical_pages":  atomic.LoadInt64(&historicalPages),
		"order_events":      atomic.LoadInt64(&orderEvents),
		"stream_reconnects": atomic.LoadInt64(&streamReconnects),
		"recorder_writes":   atomic.LoadInt64(&recorderWrites),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         memUsedMB,
		"queues":            queueData,
		"net_bytes_sent":    int64(bytesSent),
		"net_bytes_recv":    int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("Bridge-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("Bridge-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsedMB))},
		{MetricName: aws.String("Bridge-BarsStreamed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&barsStreamed)))},
		{MetricName: aws.String("Bridge-HistoricalPages"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&historicalPages)))},
		{MetricName: aws.String("Bridge-OrderEvents"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&orderEvents)))},
		{MetricName: aws.String("Bridge-StreamReconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&streamReconnects)))},
		{MetricName: aws.String("Bridge-RecorderWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&recorderWrites)))},
		{MetricName: aws.String("Bridge-ErrorsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsFeed)))},
		{MetricName: aws.String("Bridge-ErrorsBroker"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsBroker)))},
		{MetricName: aws.String("Bridge-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		{MetricName: aws.String("Bridge-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	}

	for name, stats := range queueData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Bridge-QueueMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Queue"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Bridge-QueueBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Queue"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
