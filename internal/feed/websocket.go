package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/stormwatch/internal/features"
)

// WSFeed consumes JSON-encoded feature vectors pushed by the upstream
// feature engine over a websocket. Reconnects with backoff; a vector
// dropped during reconnect surfaces downstream as a data gap, which the
// engine already treats fail-closed.
type WSFeed struct {
	url  string
	out  chan features.FeatureVector
	stop chan struct{}
	done chan struct{}
	err  error
}

// OpenWebsocket starts the subscriber.
func OpenWebsocket(url string) *WSFeed {
	f := &WSFeed{
		url:  url,
		out:  make(chan features.FeatureVector, 256),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *WSFeed) run() {
	// done closes before out, so a drained reader always observes Err.
	defer close(f.out)
	defer close(f.done)

	backoff := time.Second
	for {
		select {
		case <-f.stop:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
		if err != nil {
			log.Warn().Err(err).Str("url", f.url).Dur("backoff", backoff).Msg("feature feed dial failed")
			select {
			case <-time.After(backoff):
			case <-f.stop:
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		log.Info().Str("url", f.url).Msg("feature feed connected")
		backoff = time.Second

		if !f.readLoop(conn) {
			return
		}
	}
}

// readLoop returns false when the feed is shutting down.
func (f *WSFeed) readLoop(conn *websocket.Conn) bool {
	defer conn.Close()
	for {
		select {
		case <-f.stop:
			return false
		default:
		}

		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("feature feed read failed, reconnecting")
			return true
		}
		var v features.FeatureVector
		if err := json.Unmarshal(payload, &v); err != nil {
			log.Warn().Err(err).Msg("feature feed message dropped: bad payload")
			continue
		}
		if v.Symbol == "" || v.TS.IsZero() {
			log.Warn().Msg("feature feed message dropped: missing symbol or ts")
			continue
		}
		select {
		case f.out <- v:
		case <-f.stop:
			return false
		}
	}
}

func (f *WSFeed) Vectors() <-chan features.FeatureVector {
	return f.out
}

func (f *WSFeed) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

func (f *WSFeed) Close() error {
	select {
	case <-f.stop:
	default:
		close(f.stop)
	}
	<-f.done
	if f.err != nil {
		return fmt.Errorf("feature feed: %w", f.err)
	}
	return nil
}
