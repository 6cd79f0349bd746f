// Package feed delivers fully-resolved feature vectors to the engine,
// either live over a websocket or from a feature table replay. Raw
// market data acquisition and feature computation live upstream.
package feed

import (
	"github.com/sawpanic/stormwatch/internal/features"
)

// Feed is a finite or unbounded ordered stream of feature vectors.
type Feed interface {
	// Vectors yields vectors in delivery order. The channel closes when
	// the feed is exhausted or shut down.
	Vectors() <-chan features.FeatureVector
	// Err reports the terminal error, if any, after Vectors closes.
	Err() error
	// Close shuts the feed down.
	Close() error
}
