package intercept

import (
	"encoding/json"
	"fmt"

	"github.com/interceptd/interceptd/pkg/callback"
	"github.com/interceptd/interceptd/pkg/options"
	"github.com/interceptd/interceptd/pkg/override"
)

// Option names the control driver sets. Values arrive as JSON objects and are
// decoded into the owning component's config type.
const (
	OptionCallback   = "callback"
	OptionStatusCode = "statuscode"
)

// RegisterOptions binds the "callback" and "statuscode" options to the
// dispatcher and the override engine. Setting either option to null (or an
// empty object) resets that component to its disabled default.
func RegisterOptions(store *options.Store, d *callback.Dispatcher, e *override.Engine) {
	store.Register(OptionCallback, map[string]any{}, func(v any) error {
		var cfg callback.Config
		if err := decodeOption(v, &cfg); err != nil {
			return err
		}
		return d.Configure(cfg)
	})
	store.Register(OptionStatusCode, map[string]any{}, func(v any) error {
		var cfg override.Config
		if err := decodeOption(v, &cfg); err != nil {
			return err
		}
		return e.Configure(cfg)
	})
}

// decodeOption converts a loosely typed option value (as decoded from a JSON
// control request) into a typed config. Nil resets to the zero config.
func decodeOption(v any, out any) error {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("option value not JSON-encodable: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("option value has wrong shape: %w", err)
	}
	return nil
}
