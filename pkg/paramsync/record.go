// Package paramsync keeps shared track parameters convergent across the
// mesh with last-writer-wins registers ordered by Lamport timestamp.
package paramsync

import (
	"errors"
	"math"
)

var (
	ErrInvalidValue = errors.New("invalid parameter value")
	ErrInvalidKey   = errors.New("invalid parameter key")
)

// Key addresses one parameter of one track.
type Key struct {
	TrackID string `json:"track_id"`
	Param   string `json:"param"`
}

func (k Key) String() string { return k.TrackID + "/" + k.Param }

func (k Key) valid() bool { return k.TrackID != "" && k.Param != "" }

// Record is the current register value for a key. PendingAck is local
// state: the write originated here and its broadcast is still in flight.
type Record struct {
	Key        Key     `json:"key"`
	Value      float64 `json:"value"`
	Writer     string  `json:"writer"`
	TS         uint64  `json:"ts"`
	PendingAck bool    `json:"pending_ack"`
	Tombstone  bool    `json:"tombstone"`
}

// beats reports whether a write stamped (ts, writer) replaces r. Ties on
// the timestamp go to the lexicographically greater writer id, so equal
// writes never replace each other.
func (r Record) beats(ts uint64, writer string) bool {
	if ts != r.TS {
		return ts > r.TS
	}
	return writer > r.Writer
}

// Change is delivered to subscribers when the visible value of a key
// changes.
type Change struct {
	Key     Key
	Value   float64
	Writer  string
	TS      uint64
	Removed bool // the track was removed
	Local   bool // the write originated on this node
}

// Bounds is the accepted range of a parameter.
type Bounds struct {
	Min, Max float64
}

func (b Bounds) Clamp(v float64) float64 {
	return math.Max(b.Min, math.Min(b.Max, v))
}

// DefaultBounds are the ranges of the parameters the editor exposes.
// Parameters not listed are accepted unclamped.
var DefaultBounds = map[string]Bounds{
	"volume":          {0, 1},
	"masterVolume":    {0, 1},
	"pan":             {-1, 1},
	"pitch":           {0.5, 2},
	"reverbWet":       {0, 1},
	"delayWet":        {0, 1},
	"delayTime":       {0, 1},
	"distortion":      {0, 1},
	"filterFrequency": {20, 20000},
	"filterQ":         {0.1, 20},
}
