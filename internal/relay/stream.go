package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/unigw/uniproxy/internal/history"
)

// DefaultQueueSize bounds the channel of parsed SSE records shared between
// the drain and emit goroutines (DESIGN.md, open question (c)).
const DefaultQueueSize = 256

const subChunkLen = 3

// initialIdealSpeed is the pacer's starting characters/second estimate
// (initialized to 20 — see DESIGN.md for the reconciliation
// against the original source's default of 15).
const initialIdealSpeed = 20.0

const minIdealSpeed = 5.0
const maxIdealSpeed = 100.0
const minSamplesForSpeed = 20

// parsedRecord is one upstream SSE "data: " record's extracted fields.
type parsedRecord struct {
	ID               string
	Object           string
	Created          int64
	Model            string
	Content          string
	ReasoningContent string
	FinishReason     string
}

// frame is one unit of work handed from the drain goroutine to the emit
// loop: either an opaque pass-through record, an explicit upstream [DONE]
// sentinel, or a parsed content record.
type frame struct {
	opaque []byte
	done   bool
	rec    *parsedRecord
}

type emitState struct {
	totalChars       atomic.Int64
	consumptionStart atomic.Int64 // UnixNano, 0 = unset
	firstByteAt      atomic.Int64 // UnixMilli, 0 = unset
	upstreamComplete atomic.Bool
}

func extractRecord(payload []byte) parsedRecord {
	rec := parsedRecord{
		ID:      gjson.GetBytes(payload, "id").String(),
		Object:  gjson.GetBytes(payload, "object").String(),
		Created: gjson.GetBytes(payload, "created").Int(),
		Model:   gjson.GetBytes(payload, "model").String(),
	}
	choice := gjson.GetBytes(payload, "choices.0")
	if !choice.Exists() {
		return rec
	}
	if delta := choice.Get("delta"); delta.Exists() {
		rec.Content = delta.Get("content").String()
		rec.ReasoningContent = delta.Get("reasoning_content").String()
	} else if msg := choice.Get("message"); msg.Exists() {
		rec.Content = msg.Get("content").String()
		rec.ReasoningContent = msg.Get("reasoning_content").String()
	}
	rec.FinishReason = choice.Get("finish_reason").String()
	return rec
}

// sseSplit is a bufio.SplitFunc that splits an SSE byte stream on the
// blank-line record terminator (two consecutive newlines).
func sseSplit(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func chunkJSON(id, object string, created int64, model, field, value, finishReason string) []byte {
	delta := map[string]string{}
	if value != "" {
		delta[field] = value
	}
	choice := map[string]any{"index": 0, "delta": delta}
	if finishReason != "" {
		choice["finish_reason"] = finishReason
	} else {
		choice["finish_reason"] = nil
	}
	payload := map[string]any{
		"id":      id,
		"object":  object,
		"created": created,
		"model":   model,
		"choices": []any{choice},
	}
	data, _ := json.Marshal(payload)
	return data
}

func writeSSERaw(w http.ResponseWriter, flusher http.Flusher, raw []byte) {
	_, _ = w.Write(raw)
	if flusher != nil {
		flusher.Flush()
	}
}

func writeSSEData(w http.ResponseWriter, flusher http.Flusher, payload []byte) {
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}

func writeDoneSentinel(w http.ResponseWriter, flusher http.Flusher) {
	writeSSERaw(w, flusher, []byte("data: [DONE]\n\n"))
}

func writeErrorRecord(w http.ResponseWriter, flusher http.Flusher, message string) {
	data, _ := json.Marshal(map[string]string{"error": message})
	writeSSEData(w, flusher, data)
}

// firstByteReader wraps body and stamps state's firstByteAt/consumptionStart
// on the first non-empty read it observes, before the bytes are handed to
// any SSE record assembly. This mirrors stream_handler.py's consume_upstream,
// which stamps first_token on the first non-empty chunk off
// response.aiter_bytes() rather than after a full record has been parsed, so
// an upstream that drip-feeds one record across several TCP reads doesn't
// inflate first_token_rt.
type firstByteReader struct {
	r     io.Reader
	state *emitState
}

func (f *firstByteReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if n > 0 {
		now := time.Now()
		f.state.firstByteAt.CompareAndSwap(0, now.UnixMilli())
		f.state.consumptionStart.CompareAndSwap(0, now.UnixNano())
	}
	return n, err
}

// drain consumes body, splitting it on SSE record boundaries and forwarding
// each record to frames as an opaque passthrough, a [DONE] sentinel, or a
// parsed content record. It closes frames when body
// is exhausted or ctx is cancelled.
func drain(ctx context.Context, body io.Reader, frames chan<- frame, state *emitState) {
	defer close(frames)
	defer state.upstreamComplete.Store(true)

	scanner := bufio.NewScanner(&firstByteReader{r: body, state: state})
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	scanner.Split(sseSplit)

	send := func(f frame) bool {
		select {
		case frames <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tok := bytes.TrimSpace(scanner.Bytes())
		if len(tok) == 0 {
			continue
		}

		var payload []byte
		isData := bytes.HasPrefix(tok, []byte("data:"))
		if isData {
			payload = bytes.TrimSpace(bytes.TrimPrefix(tok, []byte("data:")))
		}

		if !isData {
			if !send(frame{opaque: append(append([]byte{}, tok...), '\n', '\n')}) {
				return
			}
			continue
		}
		if string(payload) == "[DONE]" {
			if !send(frame{done: true}) {
				return
			}
			continue
		}
		if !gjson.ValidBytes(payload) {
			if !send(frame{opaque: append(append([]byte{}, tok...), '\n', '\n')}) {
				return
			}
			continue
		}

		rec := extractRecord(payload)
		if n := utf8.RuneCountInString(rec.Content) + utf8.RuneCountInString(rec.ReasoningContent); n > 0 {
			state.totalChars.Add(int64(n))
		}
		if !send(frame{rec: &rec}) {
			return
		}
	}
}

// emitRecordFields splits rec's content and reasoning_content fields into
// subChunkLen sub-chunks, writing each as its own SSE record. Only the last
// sub-chunk written for this record carries finish_reason. Returns whether
// any sub-chunk (or a bare finish_reason record) was written. Unless noDelay
// is set, each sub-chunk is paced against idealSpeed, and lastEmit is
// updated after every write.
func emitRecordFields(w http.ResponseWriter, flusher http.Flusher, rec *parsedRecord, noDelay bool, idealSpeed *float64, lastEmit *time.Time, cancel <-chan struct{}) bool {
	type piece struct {
		field string
		text  string
	}
	var pieces []piece
	for _, f := range []piece{{"content", rec.Content}, {"reasoning_content", rec.ReasoningContent}} {
		if f.text == "" {
			continue
		}
		runes := []rune(f.text)
		for i := 0; i < len(runes); i += subChunkLen {
			end := i + subChunkLen
			if end > len(runes) {
				end = len(runes)
			}
			pieces = append(pieces, piece{field: f.field, text: string(runes[i:end])})
		}
	}

	if len(pieces) == 0 {
		if rec.FinishReason == "" {
			return false
		}
		writeSSEData(w, flusher, chunkJSON(rec.ID, rec.Object, rec.Created, rec.Model, "content", "", rec.FinishReason))
		return true
	}

	for i, p := range pieces {
		if !noDelay {
			pace(idealSpeed, lastEmit, cancel)
		}
		finish := ""
		if i == len(pieces)-1 {
			finish = rec.FinishReason
		}
		writeSSEData(w, flusher, chunkJSON(rec.ID, rec.Object, rec.Created, rec.Model, p.field, p.text, finish))
		*lastEmit = time.Now()
	}
	return true
}

// pace sleeps, if necessary, so that at least 3/idealSpeed seconds have
// elapsed since lastEmit, or until cancel fires.
func pace(idealSpeed *float64, lastEmit *time.Time, cancel <-chan struct{}) {
	target := time.Duration(float64(subChunkLen) / *idealSpeed * float64(time.Second))
	elapsed := time.Since(*lastEmit)
	if elapsed >= target {
		return
	}
	timer := time.NewTimer(target - elapsed)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-cancel:
	}
}

// streamForward drives the Paced Emitter (C7) for one streaming request: it
// writes SSE headers, issues req, and runs the drain/emit goroutine pair
// until the stream ends, is cancelled, or the deadline expires.
func (rl *Relay) streamForward(ctx context.Context, deadline time.Time, w http.ResponseWriter, req *http.Request, historyKey string, priorWindow history.Window) {
	requestStart := time.Now()
	flusher, _ := w.(http.Flusher)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		rl.logger.Error("upstream request failed", "url", req.URL.String(), "error", err)
		writeErrorRecord(w, flusher, "upstream request failed")
		writeDoneSentinel(w, flusher)
		rl.recordOutcome(ctx, historyKey, priorWindow, requestStart, -1, false)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		writeErrorRecord(w, flusher, fmt.Sprintf("upstream returned status %d", resp.StatusCode))
		writeDoneSentinel(w, flusher)
		rl.recordOutcome(ctx, historyKey, priorWindow, requestStart, -1, false)
		return
	}

	queueCap := rl.queueSize
	if queueCap <= 0 {
		queueCap = DefaultQueueSize
	}
	frames := make(chan frame, queueCap)
	state := &emitState{}

	drainCtx, cancelDrain := context.WithCancel(ctx)
	defer cancelDrain()
	go drain(drainCtx, resp.Body, frames, state)

	idealSpeed := initialIdealSpeed
	lastEmit := time.Now()
	finishSent := false
	lastID, lastObject, lastModel := "", "chat.completion.chunk", ""
	var lastCreated int64

	endStream := func() {
		if !finishSent && lastID != "" {
			writeSSEData(w, flusher, chunkJSON(lastID, lastObject, lastCreated, lastModel, "content", "", "stop"))
		}
		writeDoneSentinel(w, flusher)
	}

	for {
		remaining := time.Until(deadline)
		noDelay := remaining < 3*time.Second || state.upstreamComplete.Load()
		if remaining < 10*time.Second && !state.upstreamComplete.Load() {
			idealSpeed *= 2
		}
		if total := state.totalChars.Load(); total >= minSamplesForSpeed {
			if startNano := state.consumptionStart.Load(); startNano != 0 {
				elapsed := time.Since(time.Unix(0, startNano)).Seconds()
				if elapsed > 0 {
					measured := float64(total) / elapsed
					if measured < minIdealSpeed {
						measured = minIdealSpeed
					}
					if measured > maxIdealSpeed {
						measured = maxIdealSpeed
					}
					idealSpeed = 0.7*measured + 0.3*idealSpeed
				}
			}
		}

		select {
		case <-ctx.Done():
			msg := "request cancelled"
			if ctx.Err() == context.DeadlineExceeded {
				msg = "request timed out"
			}
			writeErrorRecord(w, flusher, msg)
			writeDoneSentinel(w, flusher)
			firstRT := firstTokenRT(state, requestStart)
			rl.recordOutcome(ctx, historyKey, priorWindow, requestStart, firstRT, firstRT >= 0)
			return
		case f, ok := <-frames:
			if !ok {
				endStream()
				firstRT := firstTokenRT(state, requestStart)
				rl.recordOutcome(ctx, historyKey, priorWindow, requestStart, firstRT, firstRT >= 0)
				return
			}

			switch {
			case f.opaque != nil:
				writeSSERaw(w, flusher, f.opaque)
			case f.done:
				endStream()
				firstRT := firstTokenRT(state, requestStart)
				rl.recordOutcome(ctx, historyKey, priorWindow, requestStart, firstRT, firstRT >= 0)
				return
			case f.rec != nil:
				if f.rec.ID != "" {
					lastID, lastModel, lastCreated = f.rec.ID, f.rec.Model, f.rec.Created
				}
				if f.rec.Object != "" {
					lastObject = f.rec.Object
				}
				if emitRecordFields(w, flusher, f.rec, noDelay, &idealSpeed, &lastEmit, ctx.Done()) && f.rec.FinishReason != "" {
					finishSent = true
				}
			}
		}
	}
}

func firstTokenRT(state *emitState, requestStart time.Time) int64 {
	at := state.firstByteAt.Load()
	if at == 0 {
		return -1
	}
	return at - requestStart.UnixMilli()
}

func (rl *Relay) recordOutcome(ctx context.Context, key string, prior history.Window, requestStart time.Time, firstTokenRT int64, success bool) {
	if rl.history == nil || key == "" {
		return
	}
	rec := history.Record{
		RequestID:      history.NewRecordID(),
		RequestTime:    requestStart.UnixMilli(),
		RequestSuccess: success,
		FirstTokenRT:   firstTokenRT,
		IsStreaming:    true,
		RequestType:    "chat",
	}
	rl.history.Append(context.WithoutCancel(ctx), key, rec, prior, time.Now())
}
