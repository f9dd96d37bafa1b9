package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"synnergy-network/core"
)

// eventResponse is the acknowledgement returned for every inbound event.
type eventResponse struct {
	Status       string  `json:"status"`
	EventType    string  `json:"event_type"`
	EventID      string  `json:"event_id"`
	ProcessedAt  int64   `json:"processed_at"`
	ProcessingMS float64 `json:"processing_time"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "failed", "message": message})
}

// sourceLimiters rate-limits inbound events per source node (60
// events/min, burst 10), keyed by X-Source-Node.
type sourceLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newSourceLimiters() *sourceLimiters {
	return &sourceLimiters{limiters: make(map[string]*rate.Limiter)}
}

func (s *sourceLimiters) allow(source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[source]
	if !ok {
		l = rate.NewLimiter(rate.Limit(60.0/60.0), 10)
		s.limiters[source] = l
	}
	return l.Allow()
}

var eventLimiters = newSourceLimiters()

// decodeEventBody detects the wire encoding by the first byte: a leading
// '{' is raw JSON, otherwise the body is base64 then gzip decoded.
func decodeEventBody(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(decoded))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func (n *node) handleEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	raw, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	blob, err := decodeEventBody(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "decode body: "+err.Error())
		return
	}

	source := r.Header.Get("X-Source-Node")
	if source != "" && !eventLimiters.allow(source) {
		writeJSONError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	rec, isNew, err := n.prop.ReceiveInbound(blob, r.Header.Get("X-Broadcast-Signature"))
	if err != nil {
		if core.KindOf(err) == core.ErrInvalidRequest {
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := "success"
	if !isNew {
		status = "duplicate"
	} else {
		n.bus.Deliver(rec)
	}

	writeJSON(w, http.StatusOK, eventResponse{
		Status:       status,
		EventType:    rec.Type,
		EventID:      rec.EventID,
		ProcessedAt:  time.Now().Unix(),
		ProcessingMS: float64(time.Since(start).Microseconds()) / 1000.0,
	})
}

// handleSubmitTx admits an operator- or client-submitted transaction into
// the mempool, mirrors it into the relational pool table, and fans it out
// to peers as a transaction.propagate event carrying the full payload.
func (n *node) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	var tx core.Transaction
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&tx); err != nil {
		writeJSONError(w, http.StatusBadRequest, "decode transaction: "+err.Error())
		return
	}
	if err := n.mempool.Add(&tx); err != nil {
		switch core.KindOf(err) {
		case core.ErrDuplicateEvent:
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "tx_hash": tx.IDHex()})
		case core.ErrRateLimited:
			writeJSONError(w, http.StatusTooManyRequests, err.Error())
		default:
			writeJSONError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	if n.rel != nil {
		if err := n.rel.Pool.Upsert(r.Context(), &tx); err != nil {
			n.log.WithError(err).Warn("failed to mirror mempool entry")
		}
	}
	if _, err := n.bus.Emit("mempool.transaction.added", map[string]interface{}{
		"transaction_hash": tx.IDHex(),
		"mempool_size":     n.mempool.Size(),
	}); err != nil {
		n.log.WithError(err).Warn("failed to emit mempool.transaction.added")
	}
	rec, err := n.bus.Emit("transaction.propagate", map[string]interface{}{
		"tx_hash":     tx.IDHex(),
		"transaction": &tx,
	})
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.prop.Propagate(ctx, rec); err != nil {
			n.log.WithError(err).Debug("transaction propagation did not reach every peer")
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "tx_hash": tx.IDHex()})
}

func (n *node) handleSyncRange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartHeight   uint64 `json:"start_height"`
		EndHeight     uint64 `json:"end_height"`
		RequesterNode string `json:"requester_node"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	if req.EndHeight < req.StartHeight {
		writeJSONError(w, http.StatusBadRequest, "end_height before start_height")
		return
	}

	blocks := make([]*core.Block, 0, req.EndHeight-req.StartHeight+1)
	for h := req.StartHeight; h <= req.EndHeight; h++ {
		blk, err := n.bin.GetByHeight(h)
		if err != nil {
			break
		}
		blocks = append(blocks, blk)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"blocks": blocks})
}

func (n *node) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	heightStr := r.URL.Query().Get("height")
	height := n.bin.Height()
	if heightStr != "" {
		if h, err := strconv.ParseUint(heightStr, 10, 64); err == nil {
			height = h
		}
	}
	snap, ok := n.snapshots.Latest(height)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no snapshot available at or before requested height")
		return
	}
	blob, err := n.snapshots.Get(r.Context(), snap.CID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "read snapshot blob: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshot": snap, "blob": blob})
}

func (n *node) handleHeaders(w http.ResponseWriter, r *http.Request) {
	start, _ := strconv.ParseUint(r.URL.Query().Get("start"), 10, 64)
	end, _ := strconv.ParseUint(r.URL.Query().Get("end"), 10, 64)
	if end < start {
		writeJSONError(w, http.StatusBadRequest, "end before start")
		return
	}
	headers := make([]core.BlockHeader, 0, end-start+1)
	for h := start; h <= end; h++ {
		blk, err := n.bin.GetByHeight(h)
		if err != nil {
			break
		}
		headers = append(headers, blk.Header)
	}
	writeJSON(w, http.StatusOK, headers)
}

func (n *node) handleBlock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if hashStr := q.Get("hash"); hashStr != "" {
		h, err := core.ParseHash(hashStr)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid hash: "+err.Error())
			return
		}
		blk, err := n.bin.GetByHash(h)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "block not found")
			return
		}
		writeJSON(w, http.StatusOK, blk)
		return
	}
	heightStr := q.Get("height")
	height, err := strconv.ParseUint(heightStr, 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "height or hash query parameter required")
		return
	}
	blk, err := n.bin.GetByHeight(height)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "block not found")
		return
	}
	writeJSON(w, http.StatusOK, blk)
}

func (n *node) handleForkCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Height uint64 `json:"height"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	blk, err := n.bin.GetByHeight(req.Height)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "no block at requested height")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": blk.Hash().String()})
}

func (n *node) handleHealth(w http.ResponseWriter, r *http.Request) {
	res := n.lifecycle.QuickHealth(r.Context())
	status := http.StatusOK
	if !res.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func (n *node) handleStatus(w http.ResponseWriter, r *http.Request) {
	peers := n.peerAddrs()
	reachable := 0
	snapshot := n.health.Snapshot()
	for _, addr := range peers {
		if st, ok := snapshot[addr]; ok && st != core.StatusOffline {
			reachable++
		}
	}
	full := n.lifecycle.FullHealth(r.Context(), reachable, len(peers))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":      n.id,
		"block_height": n.bin.Height(),
		"mempool_size": n.mempool.Size(),
		"lifecycle":    n.lifecycle.Status(),
		"health":       full,
		"peers":        snapshot,
		"timestamp":    time.Now().Unix(),
	})
}

func (n *node) handleStatusUpdate(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if n.broadcastKey != nil && !core.VerifyBroadcast(n.broadcastKey, raw, r.Header.Get("X-Broadcast-Signature")) {
		writeJSONError(w, http.StatusUnauthorized, "invalid broadcast signature")
		return
	}
	var rec core.NodeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		writeJSONError(w, http.StatusBadRequest, "decode node record: "+err.Error())
		return
	}
	if n.rel != nil {
		if err := n.rel.Nodes.Upsert(r.Context(), rec); err != nil {
			n.log.WithError(err).Warn("failed to persist peer status update")
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
