// Package credentials loads the AM's delegation-token cache and strips
// the resource-manager token before any of it is forwarded to
// containers. The AM-to-RM token authenticates only the AM's own calls;
// handing it to a container would let that container impersonate the AM.
package credentials

import (
	"encoding/json"
	"os"

	"go.uber.org/zap"

	"weave/internal/common"
)

// amRMTokenAlias is the well-known alias the resource manager stores its
// AM-facing token under in the staged credentials file.
const amRMTokenAlias = "AM_RM_TOKEN"

// Store is the set of tokens available to forward to containers, keyed
// by alias, with the AM-to-RM token already removed.
type Store struct {
	tokens map[string]string
}

// Load reads the credentials file staged by the client launcher. A
// missing path or read failure is logged and yields an empty store: per
// the AM's error-handling policy, containers started with no
// credentials will fail their own auth and report it themselves, but the
// AM keeps running.
func Load(path string) *Store {
	logger := common.ComponentLogger("credentials")
	if path == "" {
		return &Store{tokens: map[string]string{}}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("failed to read credentials file, continuing with empty credentials",
			zap.String("path", path), zap.Error(err))
		return &Store{tokens: map[string]string{}}
	}
	var tokens map[string]string
	if err := json.Unmarshal(data, &tokens); err != nil {
		logger.Warn("failed to parse credentials file, continuing with empty credentials",
			zap.String("path", path), zap.Error(err))
		return &Store{tokens: map[string]string{}}
	}
	return (&Store{tokens: tokens}).stripAMRMToken()
}

func (s *Store) stripAMRMToken() *Store {
	delete(s.tokens, amRMTokenAlias)
	return s
}

// ForContainers is the token set safe to inject into a launched
// container's environment.
func (s *Store) ForContainers() map[string]string {
	out := make(map[string]string, len(s.tokens))
	for k, v := range s.tokens {
		out[k] = v
	}
	return out
}
