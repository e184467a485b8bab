// Package id generates correlation tokens: RPC event names and
// request identifiers.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 24-character nanoid using an alphanumeric alphabet (A-Za-z0-9).
func Generate() string {
	id, err := gonanoid.Generate(alphabet, 24)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// EventName builds a correlation token for an outbound node RPC:
// "{kind}_{mac}_{pid}_{suffix}". A pid of 0, used for calls that are
// not mount-device scoped, is left out: "{kind}_{mac}_{suffix}". The suffix is a short nanoid rather than a
// timestamp so concurrent calls for the same (kind, mac, pid) within
// the same millisecond never collide.
func EventName(kind, mac string, pid int) string {
	suffix, err := gonanoid.Generate(alphabet, 12)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	if pid == 0 {
		return fmt.Sprintf("%s_%s_%s", kind, mac, suffix)
	}
	return fmt.Sprintf("%s_%s_%d_%s", kind, mac, pid, suffix)
}
