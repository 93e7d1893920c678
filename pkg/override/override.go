// Package override replaces response status codes on matching flows, and can
// block matching requests from ever reaching the upstream server.
package override

import (
	"log/slog"
	"sync/atomic"

	"github.com/interceptd/interceptd/pkg/filter"
	"github.com/interceptd/interceptd/pkg/flow"
)

// Config controls the status override engine. ReturnStatus == 0 disables it
// entirely. Wire names match the controller's "statuscode" option.
type Config struct {
	ReturnStatus int    `json:"return_status"`
	BlockRequest bool   `json:"block_request"`
	Filter       string `json:"filter"`
}

type snapshot struct {
	returnStatus int
	blockRequest bool
	predicate    filter.Predicate
}

// Engine synthesizes or overwrites responses with a fixed status code.
// Overridden responses carry no body; callers that want body control use the
// callback dispatcher instead.
type Engine struct {
	matcher filter.Matcher
	log     *slog.Logger
	current atomic.Pointer[snapshot]
}

// NewEngine creates a disabled engine; call Configure to arm it.
func NewEngine(matcher filter.Matcher, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{matcher: matcher, log: log}
	e.current.Store(&snapshot{predicate: matcher.MatchAll()})
	return e
}

// Configure replaces the engine configuration wholesale. A bad filter pattern
// rejects the whole config and keeps the previous one.
func (e *Engine) Configure(cfg Config) error {
	pred := e.matcher.MatchAll()
	if cfg.Filter != "" {
		var err error
		pred, err = e.matcher.Compile(cfg.Filter)
		if err != nil {
			return err
		}
	}
	e.current.Store(&snapshot{
		returnStatus: cfg.ReturnStatus,
		blockRequest: cfg.BlockRequest,
		predicate:    pred,
	})
	if cfg.ReturnStatus != 0 {
		e.log.Info("status override configured",
			"return_status", cfg.ReturnStatus,
			"block_request", cfg.BlockRequest,
			"filter", cfg.Filter)
	}
	return nil
}

// OnRequest blocks a matching request by synthesizing an empty response with
// the configured status; the upstream server is never contacted for it.
func (e *Engine) OnRequest(ev *flow.Event) {
	snap := e.current.Load()
	if snap.returnStatus == 0 || !snap.blockRequest || !snap.predicate.Match(ev) {
		return
	}
	e.log.Info("blocking request", "url", ev.URL, "status", snap.returnStatus)
	ev.SetResponse(snap.returnStatus, nil)
}

// OnResponse overwrites a matching response with an empty one carrying the
// configured status code.
func (e *Engine) OnResponse(ev *flow.Event) {
	snap := e.current.Load()
	if snap.returnStatus == 0 || !snap.predicate.Match(ev) {
		return
	}
	e.log.Info("overriding response status", "url", ev.URL, "status", snap.returnStatus)
	ev.SetResponse(snap.returnStatus, nil)
}
