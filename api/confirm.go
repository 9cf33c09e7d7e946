package api

import (
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"sort"
	"sync"
	"time"

	iface "AutoFocusServer/interface"
	"AutoFocusServer/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var ErrUnknownConfirmation = errors.New("no pending confirmation with that id")

// Pending is a learning-mode candidate waiting for an operator.
type Pending struct {
	ID           string          `json:"id"`
	Created      time.Time       `json:"created"`
	BBox         image.Rectangle `json:"bbox"`
	Area         float64         `json:"area"`
	Score        float64         `json:"score"`
	CurrentCount int             `json:"current_count"`
	TotalCount   int             `json:"total_count"`
	Preview      string          `json:"preview,omitempty"`
}

type pendingEntry struct {
	info   Pending
	answer chan bool
}

// Broker turns Confirm calls into websocket prompts answered over REST.
type Broker struct {
	hub *Hub
	log *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

func NewBroker(hub *Hub, log *zap.Logger) *Broker {
	return &Broker{hub: hub, log: logger.OrNop(log), pending: map[string]*pendingEntry{}}
}

// preview encodes the frame with the candidate outlined, as a data URL.
func preview(req iface.ConfirmRequest) string {
	if req.Frame.Empty() {
		return ""
	}
	img := req.Frame.Clone()
	defer img.Close()
	if img.Channels() == 1 {
		gocv.CvtColor(img, &img, gocv.ColorGrayToBGR)
	}
	green := color.RGBA{0, 200, 0, 0}
	if len(req.Mask) > 2 {
		pv := gocv.NewPointsVectorFromPoints([][]image.Point{req.Mask})
		gocv.DrawContours(&img, pv, -1, green, 2)
		pv.Close()
	} else {
		gocv.Rectangle(&img, req.BBox, green, 2)
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return ""
	}
	defer buf.Close()
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.GetBytes())
}

// Confirm blocks until an operator answers or ctx is done. The pending
// entry is removed either way.
func (b *Broker) Confirm(ctx context.Context, req iface.ConfirmRequest) (bool, error) {
	e := &pendingEntry{
		info: Pending{
			ID:           uuid.NewString(),
			Created:      time.Now().UTC(),
			BBox:         req.BBox,
			Area:         req.Area,
			Score:        req.Score,
			CurrentCount: req.CurrentCount,
			TotalCount:   req.TotalCount,
			Preview:      preview(req),
		},
		answer: make(chan bool, 1),
	}
	b.mu.Lock()
	b.pending[e.info.ID] = e
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, e.info.ID)
		b.mu.Unlock()
	}()

	b.log.Info("confirmation requested",
		zap.String("id", e.info.ID),
		zap.Float64("area", req.Area),
		zap.Int("count", req.CurrentCount),
		zap.Int("target", req.TotalCount))
	b.hub.Broadcast("confirm_request", e.info)

	select {
	case ok := <-e.answer:
		b.hub.Broadcast("confirm_answered", map[string]any{"id": e.info.ID, "accepted": ok})
		return ok, nil
	case <-ctx.Done():
		b.hub.Broadcast("confirm_expired", map[string]any{"id": e.info.ID})
		return false, ctx.Err()
	}
}

// Answer resolves a pending confirmation.
func (b *Broker) Answer(id string, accept bool) error {
	b.mu.Lock()
	e, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownConfirmation
	}
	e.answer <- accept
	return nil
}

// Pending lists open confirmations, oldest first, without previews.
func (b *Broker) Pending() []Pending {
	b.mu.Lock()
	out := make([]Pending, 0, len(b.pending))
	for _, e := range b.pending {
		p := e.info
		p.Preview = ""
		out = append(out, p)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}
