package server

import (
	"crypto/subtle"
	"net/http"
	"path"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/litepub/kit"
	"github.com/hazyhaar/litepub/shield"
	"github.com/hazyhaar/litepub/store"
)

// authorize enforces the .auth file governing the resolved source, if
// one exists. The credential file sits in the resolved target's
// directory, so an alias or index lookup is protected by the directory
// it landed in, and listings are protected by the directory itself.
//
// It returns the request (with the authenticated user attached) and
// whether handling may continue; on false the response is written.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, doc *store.Document) (*http.Request, bool) {
	dir := doc.RelPath
	if doc.Kind != store.KindDir {
		dir = path.Dir(doc.RelPath)
		if dir == "." {
			dir = ""
		}
	}

	line, required, err := s.store.AuthFile(dir)
	if err != nil {
		s.writeError(w, r, err)
		return r, false
	}
	if !required {
		return r, true
	}

	wantUser, wantPass, wellFormed := strings.Cut(line, ":")
	if !wellFormed || wantUser == "" {
		// A present but malformed credential file locks the directory
		// rather than opening it.
		shield.GetLogger(r.Context()).Error("malformed credential file", "dir", dir)
		s.challenge(w)
		return r, false
	}

	user, pass, ok := r.BasicAuth()
	if !ok || !credentialsMatch(user, pass, wantUser, wantPass) {
		s.challenge(w)
		return r, false
	}

	return r.WithContext(kit.WithUser(r.Context(), user)), true
}

func (s *Server) challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+s.cfg.AuthRealm+`"`)
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error": "authorization required", "kind": "unauthorized",
	})
}

// credentialsMatch compares the presented credentials against the
// stored line. Passwords stored as bcrypt hashes are verified as such;
// anything else is compared in constant time.
func credentialsMatch(user, pass, wantUser, wantPass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) == 1

	var passOK bool
	if isBcryptHash(wantPass) {
		passOK = bcrypt.CompareHashAndPassword([]byte(wantPass), []byte(pass)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass)) == 1
	}

	return userOK && passOK
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") ||
		strings.HasPrefix(s, "$2b$") ||
		strings.HasPrefix(s, "$2y$")
}
