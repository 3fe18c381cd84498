package verify

import (
	"context"
	"encoding/json"
	"strings"

	"loginpilot/internal/domain"
)

const (
	unknownUser    = "Unknown user"
	restrictedUser = "Unknown user (account restricted)"
)

func onLoginRoute(url string) bool {
	return strings.Contains(url, "/login")
}

func onAuthenticatedRoute(url string) bool {
	return strings.Contains(url, "/channels/") || strings.Contains(url, "/app")
}

// await polls the page until the login is confirmed, a challenge shows up,
// or the retry budget runs out. Checks run in priority order on every poll.
func (s *session) await(ctx context.Context) (domain.ProgressEvent, error) {
	pol := s.p.policy
	s.log("Waiting for the page to settle")
	if err := s.p.sleep(ctx, pol.InitialSettle); err != nil {
		return domain.ProgressEvent{}, err
	}

	for i := 0; i < pol.MaxRetries; i++ {
		if id := s.capturedIdentity(); id != nil {
			return s.success("Login verified", id), nil
		}

		url, err := s.browser.CurrentURL(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return domain.ProgressEvent{}, ctx.Err()
			}
			s.logger.Debug("current url unavailable", "attempt", i, "error", err)
		}

		switch {
		case err != nil:
		case onLoginRoute(url):
			if s.challengePresent(ctx) {
				s.log("Verification challenge detected")
				return domain.ActionRequiredEvent("captcha or verification challenge requires an operator", s.capturedIdentity()), nil
			}
			if i > pol.StuckOnLoginAfter {
				return domain.ProgressEvent{}, fail(domain.ErrVerificationTimeout, "still on the login page: token invalid or network too slow")
			}
		case onAuthenticatedRoute(url):
			if id := s.checkIdentity(ctx); id != nil {
				return s.success("Login verified", id), nil
			}
			if id := s.scan(ctx); id != nil {
				return s.success("Login verified from stored session", id), nil
			}
			if ctx.Err() != nil {
				return domain.ProgressEvent{}, ctx.Err()
			}
			if s.rejected() && i > pol.SoftRejectGraceAfter {
				return s.success("Logged in, account appears restricted", &domain.Identity{Username: restrictedUser}), nil
			}
			if i > pol.UnknownUserGraceAfter {
				return s.success("Logged in, user unknown", &domain.Identity{Username: unknownUser}), nil
			}
		}

		s.log("Waiting for verification (%d/%d)", i+1, pol.MaxRetries)
		if err := s.p.sleep(ctx, pol.PollInterval); err != nil {
			return domain.ProgressEvent{}, err
		}
	}

	if id := s.capturedIdentity(); id != nil {
		return s.success("Login verified", id), nil
	}
	url, err := s.browser.CurrentURL(ctx)
	if err == nil && strings.Contains(url, "/channels/") {
		return s.success("Logged in, user unknown", &domain.Identity{Username: unknownUser}), nil
	}
	if ctx.Err() != nil {
		return domain.ProgressEvent{}, ctx.Err()
	}
	return domain.ProgressEvent{}, fail(domain.ErrVerificationTimeout, "no verified session after %d attempts", pol.MaxRetries)
}

func (s *session) success(message string, id *domain.Identity) domain.ProgressEvent {
	ev := domain.SuccessEvent(message, id)
	ev.Token = s.req.Token
	return ev
}

func (s *session) challengePresent(ctx context.Context) bool {
	if len(s.p.policy.ChallengeSelectors) == 0 {
		return false
	}
	out, err := s.browser.Evaluate(ctx, challengeScript(s.p.policy.ChallengeSelectors))
	if err != nil {
		s.logger.Debug("challenge check failed", "error", err)
		return false
	}
	return out == "true"
}

// checkIdentity calls the identity endpoint from inside the page with the
// stored token. A rejection is recorded like an observed one.
func (s *session) checkIdentity(ctx context.Context) *domain.Identity {
	out, err := s.browser.Evaluate(ctx, identityScript)
	if err != nil {
		s.logger.Debug("identity check failed", "error", err)
		return nil
	}
	var res identityResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		return nil
	}
	switch {
	case res.Status == 200 && res.User != nil:
		return res.User.identity()
	case res.Status == 401 || res.Status == 403:
		s.mu.Lock()
		s.sawRejection = true
		s.mu.Unlock()
	}
	return nil
}

// scan searches storage and the DOM of every frame for the signed-in user.
func (s *session) scan(ctx context.Context) *domain.Identity {
	var found *domain.Identity
	err := s.browser.EvaluateFrames(ctx, scanScript, func(out string) bool {
		if out == "" {
			return true
		}
		var res scanResult
		if err := json.Unmarshal([]byte(out), &res); err != nil {
			return true
		}
		if id := res.identity(); id != nil {
			s.logger.Debug("identity found by scan", "source", res.Source)
			found = id
			return false
		}
		return true
	})
	if err != nil {
		s.logger.Debug("storage scan failed", "error", err)
	}
	return found
}
