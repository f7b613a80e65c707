package classifier

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ternarybob/phishwatch/internal/models"
)

// Message kinds exchanged with the model worker
const (
	KindPredict          = "predict"
	KindPredictionResult = "predictionResult"
	KindError            = "error"
	KindWorkerReady      = "workerReady"
)

// Message is the wire envelope for every frame in both directions
type Message struct {
	What      string            `json:"what"`
	ID        string            `json:"id,omitempty"`
	ContextID int64             `json:"context_id,omitempty"`
	Input     models.FeatureMap `json:"input,omitempty"`
	Result    *models.Outcome   `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Conn is a full-duplex JSON frame connection. WriteJSON is not required to
// be safe for concurrent use.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens a connection to the model worker
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketDialer connects to a model worker over a websocket
type WebSocketDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
}

// NewWebSocketDialer creates a dialer for url
func NewWebSocketDialer(url string) *WebSocketDialer {
	return &WebSocketDialer{URL: url, HandshakeTimeout: 5 * time.Second}
}

// Dial implements Dialer
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial classifier %s (status %d): %w", d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial classifier %s: %w", d.URL, err)
	}
	return conn, nil
}
