package job

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint computes the deterministic cache key for a unit of work.
// Two subtasks share a fingerprint exactly when they have the same
// payload, stage, and provider configuration, so a cached result for one
// is valid for the other. Length prefixes keep field boundaries
// unambiguous ("ab"+"c" must not collide with "a"+"bc").
func Fingerprint(payload []byte, stage, providerConfig string) string {
	d := xxhash.New()
	writeField(d, payload)
	writeField(d, []byte(stage))
	writeField(d, []byte(providerConfig))
	return fmt.Sprintf("%016x", d.Sum64())
}

// writeField writes a length-prefixed field into the digest.
func writeField(d *xxhash.Digest, b []byte) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(b)))
	_, _ = d.Write(n[:])
	_, _ = d.Write(b)
}

// FingerprintSubTask fills in the subtask's Fingerprint field from its
// payload, stage, and provider key if the caller did not supply one.
func FingerprintSubTask(st *SubTask) {
	if st.Fingerprint == "" {
		st.Fingerprint = Fingerprint(st.Payload, st.Stage, st.Provider)
	}
}
