package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/a-essam23/go-taskhub/pkg/pipeline"
	"github.com/a-essam23/go-taskhub/pkg/state"
	"github.com/a-essam23/go-taskhub/pkg/state/statemanager"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
)

// newSecureModifier requires proof that the sender owns the user id it acts
// as: either a subject verified at upgrade time, or a signed "token" in the
// payload whose subject matches.
func newSecureModifier(jwtSecret string) pipeline.ModifierFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		if len(params) != 0 {
			return errors.New("'secure' modifier does not accept any parameters")
		}

		claimed := gjson.GetBytes(pctx.Payload, "userId").String()
		if claimed == "" {
			claimed = pctx.UserID()
		}

		if pctx.Conn != nil && pctx.Conn.VerifiedSubject != "" {
			if pctx.Conn.VerifiedSubject != claimed {
				return fmt.Errorf("%w: verified subject does not match '%s'", ErrForbidden, claimed)
			}
			return nil
		}
		if jwtSecret == "" {
			return fmt.Errorf("%w: no verified identity", ErrForbidden)
		}

		tokenString := gjson.GetBytes(pctx.Payload, "token").String()
		if tokenString == "" {
			return &ValidationError{Field: "token"}
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			return []byte(jwtSecret), nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err != nil {
			return fmt.Errorf("%w: token validation failed: %v", ErrForbidden, err)
		}

		subject, err := token.Claims.GetSubject()
		if err != nil || subject == "" || subject != claimed {
			return fmt.Errorf("%w: token subject does not match '%s'", ErrForbidden, claimed)
		}
		pctx.Logger.Debug("Secure modifier check passed", slog.String("subject", subject))
		return nil
	}
}

type rateLimitState struct {
	Requests int
}

// parseRate reads "N/unit" with unit one of s, m, h.
func parseRate(rate string) (int, time.Duration, error) {
	parts := strings.Split(rate, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid rate_limit format: %s", rate)
	}

	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("invalid rate_limit count: %s", parts[0])
	}

	var duration time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		duration = time.Second
	case "m":
		duration = time.Minute
	case "h":
		duration = time.Hour
	default:
		return 0, 0, fmt.Errorf("invalid rate_limit duration unit: %s", parts[1])
	}
	return limit, duration, nil
}

// newRateLimitModifier allows N frames of one event type per window and
// sender. The window starts with the first frame and its state expires
// with the window.
func newRateLimitModifier(logger *slog.Logger, store *statemanager.ModifierStore) pipeline.ModifierFunc {
	const modifierName = "rate_limit"
	return func(pctx *pipeline.Cargo, params ...string) error {
		if len(params) != 1 {
			return errors.New("'rate_limit' modifier requires exactly one parameter (e.g., '10/m')")
		}
		limit, window, err := parseRate(params[0])
		if err != nil {
			return err
		}

		key := pctx.UserID()
		if key == "" && pctx.Conn != nil {
			key = pctx.Conn.ID.String()
		}
		eventName := pctx.EventType

		allowed := false
		store.Update(modifierName, key, eventName, func(current *state.ModifierState) *state.ModifierState {
			if current == nil {
				allowed = true
				next := &state.ModifierState{Value: &rateLimitState{Requests: 1}}
				next.Timer = time.AfterFunc(window, func() {
					logger.Debug("Auto-cleaning expired rate_limit state", slog.String("key", key), slog.String("event", eventName))
					store.Delete(modifierName, key, eventName)
				})
				return next
			}
			rl := current.Value.(*rateLimitState)
			if rl.Requests < limit {
				rl.Requests++
				allowed = true
			}
			return current
		})

		if !allowed {
			return fmt.Errorf("%w for event '%s'", ErrRateLimited, eventName)
		}
		return nil
	}
}
