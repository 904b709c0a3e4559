// Package stt is a websocket client for a streaming speech-to-text service. Audio goes up as
// binary frames; results come back as JSON text frames.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/leadline/call-broker/internal/bridge"
)

const (
	writeTimeout  = 5 * time.Second
	resultsBuffer = 100
)

type Client struct {
	url    string
	apiKey string
	dialer websocket.Dialer
}

func NewClient(rawURL, apiKey string, handshakeTimeout time.Duration) *Client {
	return &Client{
		url:    rawURL,
		apiKey: apiKey,
		dialer: websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

// Dial opens one transcription session tagged with the call id.
func (c *Client) Dial(ctx context.Context, callID string) (bridge.Stream, error) {
	if c.url == "" {
		return nil, fmt.Errorf("transcription url not configured")
	}

	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("parse transcription url: %w", err)
	}
	q := u.Query()
	q.Set("call_id", callID)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if c.apiKey != "" {
		headers.Set("Authorization", "Bearer "+c.apiKey)
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	s := &stream{
		callID:  callID,
		conn:    conn,
		results: make(chan bridge.Result, resultsBuffer),
		closing: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type resultMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Speaker string `json:"speaker"`
	Error   string `json:"error"`
}

type stream struct {
	callID  string
	conn    *websocket.Conn
	results chan bridge.Result
	closing chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (s *stream) Send(frame []byte) error {
	select {
	case <-s.closing:
		return fmt.Errorf("session closed")
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *stream) Results() <-chan bridge.Result {
	return s.results
}

func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		s.writeMu.Lock()
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *stream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *stream) readLoop() {
	defer close(s.results)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closing:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.setErr(err)
				}
			}
			return
		}

		var msg resultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Str("callId", s.callID).Msg("ignoring unparseable transcription message")
			continue
		}

		switch msg.Type {
		case "", "transcript":
			if msg.Text == "" {
				continue
			}
			r := bridge.Result{
				Text:      msg.Text,
				IsFinal:   msg.IsFinal,
				Speaker:   msg.Speaker,
				Timestamp: time.Now(),
			}
			select {
			case s.results <- r:
			case <-s.closing:
				return
			}
		case "error":
			s.setErr(fmt.Errorf("transcription error: %s", msg.Error))
			s.conn.Close()
			return
		default:
			continue
		}
	}
}
