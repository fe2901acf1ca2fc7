package sftpremote

import (
	"encoding/base64"
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
)

// pinnedHostKeyCallback builds an ssh.HostKeyCallback that accepts a server
// key only if it matches one of allowed, compared both as an OpenSSH-style
// SHA256 fingerprint ("SHA256:...") and as the raw base64 of the key's
// wire encoding, since operators may have either on hand.
func pinnedHostKeyCallback(allowed []string) ssh.HostKeyCallback {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = struct{}{}
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if matchesAllowed(key, allowedSet) {
			return nil
		}
		return fmt.Errorf("host key for %s not in allowed fingerprint list", hostname)
	}
}

func matchesAllowed(key ssh.PublicKey, allowed map[string]struct{}) bool {
	if _, ok := allowed[ssh.FingerprintSHA256(key)]; ok {
		return true
	}
	b64 := base64.StdEncoding.EncodeToString(key.Marshal())
	_, ok := allowed[b64]
	return ok
}
