package suggest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// outputPrefixLen bounds how much of the last output feeds the fingerprint.
const outputPrefixLen = 200

// Fingerprint derives a deterministic, lossy cache key from the situational
// context. Two states with equal fingerprints are "the same situation" for
// caching purposes; collisions on distinct real situations are an accepted
// approximation of the caching contract.
func Fingerprint(state TerminalState) string {
	git := "nogit"
	if state.Git.IsRepo {
		dirty := "clean"
		if state.Git.Dirty {
			dirty = "dirty"
		}
		git = state.Git.Branch + "+" + dirty
	}

	exit := "ok"
	if state.LastExitCode != 0 {
		exit = fmt.Sprintf("err%d", state.LastExitCode)
	}

	prefix := state.LastOutput
	if len(prefix) > outputPrefixLen {
		prefix = prefix[:outputPrefixLen]
	}
	sum := sha256.Sum256([]byte(prefix))
	outHash := hex.EncodeToString(sum[:])[:8]

	return fmt.Sprintf("%s|%s|%s|%s", state.Cwd, git, exit, outHash)
}
