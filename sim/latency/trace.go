package latency

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultWarmupPrefix marks warmup requests in recorded traces.
const DefaultWarmupPrefix = "warmup"

// traceFile is the on-disk layout of a recorded serving trace.
type traceFile struct {
	Batches   []traceBatchRecord      `json:"batches"`
	Requests  map[string]traceRequest `json:"requests"`
	ReqToData map[string]flexID       `json:"req_to_data"`
}

type traceBatchRecord struct {
	RequestID     flexID          `json:"request_id"`
	BatchID       int             `json:"batch_id"`
	IsPrefill     bool            `json:"is_prefill"`
	TokenIdx      int             `json:"token_idx"`
	GenerateToken json.RawMessage `json:"generate_token,omitempty"`
}

type traceRequest struct {
	InputLen     int       `json:"input_len"`
	Latency      []float64 `json:"latency"`
	QueueLatency []float64 `json:"queue_latency"`
}

// flexID accepts identifiers written either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

// TraceStats summarises what ReadTrace kept and dropped.
type TraceStats struct {
	Records        int `json:"records"`
	WarmupRecords  int `json:"warmup_records"`
	OrphanRecords  int `json:"orphan_records"` // unknown request or token index out of range
	PrefillBatches int `json:"prefill_batches"`
	DecodeBatches  int `json:"decode_batches"`
	MixedBatches   int `json:"mixed_batches"` // batches mixing prefill and decode records, skipped
}

// ReadTrace loads a batch trace and groups its records into fitter batches.
// Records whose request id starts with warmupPrefix are dropped; an empty
// prefix keeps everything.
func ReadTrace(path, warmupPrefix string) ([]Batch, TraceStats, error) {
	var stats TraceStats
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, stats, fmt.Errorf("read trace: %w", err)
	}
	var tf traceFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, stats, fmt.Errorf("parse trace %s: %w", path, err)
	}
	batches, stats := groupTrace(&tf, warmupPrefix)
	if len(batches) == 0 {
		return nil, stats, fmt.Errorf("trace %s has no usable batch records", path)
	}
	logrus.Infof("trace %s: %d records, %d prefill and %d decode batches (%d warmup, %d orphan records dropped)",
		path, stats.Records, stats.PrefillBatches, stats.DecodeBatches, stats.WarmupRecords, stats.OrphanRecords)
	return batches, stats, nil
}

type pendingBatch struct {
	prefill, decode bool
	seqLens         []int
	duration        float64
}

func groupTrace(tf *traceFile, warmupPrefix string) ([]Batch, TraceStats) {
	stats := TraceStats{Records: len(tf.Batches)}
	groups := make(map[int]*pendingBatch)
	for _, rec := range tf.Batches {
		reqID := string(rec.RequestID)
		if warmupPrefix != "" && strings.HasPrefix(reqID, warmupPrefix) {
			stats.WarmupRecords++
			continue
		}
		dataID, ok := tf.ReqToData[reqID]
		if !ok {
			// Traces recorded without a mapping key requests by their data id.
			dataID = flexID(reqID)
		}
		req, ok := tf.Requests[string(dataID)]
		idx := rec.TokenIdx
		if !ok || idx < 0 || idx >= len(req.Latency) || idx >= len(req.QueueLatency) {
			stats.OrphanRecords++
			continue
		}

		g := groups[rec.BatchID]
		if g == nil {
			g = &pendingBatch{duration: math.Inf(1)}
			groups[rec.BatchID] = g
		}
		if rec.IsPrefill {
			g.prefill = true
			g.seqLens = append(g.seqLens, req.InputLen)
		} else {
			g.decode = true
			g.seqLens = append(g.seqLens, req.InputLen+idx)
		}
		g.duration = math.Min(g.duration, req.Latency[idx]-req.QueueLatency[idx])
	}

	ids := make([]int, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	batches := make([]Batch, 0, len(ids))
	for _, id := range ids {
		g := groups[id]
		if g.prefill && g.decode {
			stats.MixedBatches++
			logrus.Debugf("trace batch %d mixes prefill and decode records; skipped", id)
			continue
		}
		if g.prefill {
			stats.PrefillBatches++
		} else {
			stats.DecodeBatches++
		}
		batches = append(batches, Batch{IsPrefill: g.prefill, SeqLens: g.seqLens, DurationMs: g.duration})
	}
	return batches, stats
}
