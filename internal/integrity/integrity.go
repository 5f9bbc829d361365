// Package integrity provides tamper-evident hashing for the stage record
// ledger. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// ComputeRecordHash produces a SHA-256 hex digest binding a stage record to
// its predecessor. Fields are length-prefixed (4-byte big-endian length,
// then the bytes) so freeform artifact text cannot forge field boundaries.
// The first record of a run chains from the empty string.
func ComputeRecordHash(prev string, rec model.StageRecord) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by request body limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}

	writeField(prev)
	writeField(rec.ID.String())
	writeField(rec.RunID.String())
	writeField(rec.TenantID.String())
	writeField(strconv.FormatInt(rec.Seq, 10))
	writeField(rec.StageName)
	writeField(strconv.Itoa(rec.StageIndex))
	writeField(strconv.Itoa(rec.Attempt))
	writeField(string(rec.Outcome))
	writeField(rec.ModelUsed)
	writeField(strconv.FormatInt(int64(rec.Cost), 10))
	if rec.ArtifactID != nil {
		writeField(rec.ArtifactID.String())
	} else {
		writeField("")
	}
	if rec.Artifact != nil {
		writeField(*rec.Artifact)
	} else {
		writeField("")
	}
	writeEvaluation(writeField, rec.Evaluation)
	writeDecision(writeField, rec.Decision)
	writeField(rec.StartedAt.UTC().Format(time.RFC3339Nano))
	writeField(rec.EndedAt.UTC().Format(time.RFC3339Nano))

	return hex.EncodeToString(h.Sum(nil))
}

// writeEvaluation folds an evaluation into the hash with dimension names
// sorted, since map iteration order is not stable.
func writeEvaluation(writeField func(string), ev *model.EvaluationResult) {
	if ev == nil {
		writeField("")
		return
	}
	writeField(ev.ArtifactID.String())
	writeField(strconv.FormatFloat(ev.AggregateScore, 'f', 10, 64))
	writeField(ev.ModelVersion)
	names := make([]string, 0, len(ev.DimensionScores))
	for name := range ev.DimensionScores {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ds := ev.DimensionScores[name]
		writeField(name)
		writeField(strconv.FormatFloat(ds.Score, 'f', 10, 64))
		writeField(strconv.FormatBool(ds.Degraded))
	}
}

func writeDecision(writeField func(string), d *model.ReleaseDecision) {
	if d == nil {
		writeField("")
		return
	}
	writeField(d.ArtifactID.String())
	writeField(string(d.Outcome))
	writeField(d.Reason)
	writeField(d.ThresholdProfile)
}

// VerifyChain checks a run's records against their hash chain. Records must
// be ordered by seq ascending, as returned by the ledger. It reports the
// first break found: a seq gap, a broken prev link, or a content mismatch.
func VerifyChain(records []model.StageRecord) error {
	prev := ""
	for i, rec := range records {
		if i > 0 && rec.Seq != records[i-1].Seq+1 {
			return fmt.Errorf("integrity: seq gap at %d: %d follows %d", i, rec.Seq, records[i-1].Seq)
		}
		if rec.PrevHash != prev {
			return fmt.Errorf("integrity: broken link at seq %d", rec.Seq)
		}
		if got := ComputeRecordHash(prev, rec); got != rec.RecordHash {
			return fmt.Errorf("integrity: content mismatch at seq %d", rec.Seq)
		}
		prev = rec.RecordHash
	}
	return nil
}
