package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/micromdm/nanoapns/identity"
	"github.com/micromdm/nanoapns/storage"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// CredentialResponse is the JSON reply of a stored credential.
type CredentialResponse struct {
	Topic    string     `json:"topic"`
	Scheme   string     `json:"scheme"`
	NotAfter *time.Time `json:"not_after,omitempty"`
}

// StoreCredentialHandler reads a credential from the HTTP body and
// saves it to storage.
//
// Without query parameters the body is a PEM-encoded certificate and
// private key and the topic is read from the certificate. This
// effectively enables us to do something like:
// "% cat push.pem push.key | curl -T - http://api.example.com/" to
// upload our push certs.
//
// With the "key_id" query parameter the body is a PKCS#8 token signing
// key (.p8 file) and the "topic" and "team_id" query parameters are
// required as well.
func StoreCredentialHandler(store storage.CredentialStorer, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)

		if r.Method != http.MethodPut && r.Method != http.MethodPost {
			logAndWriteJSONError(logger, w, "method", errors.New("method not allowed: "+r.Method), http.StatusMethodNotAllowed)
			return
		}

		// read the body of the request
		b, err := io.ReadAll(r.Body)
		if err != nil {
			logAndWriteJSONError(logger, w, "reading body", err, 0)
			return
		}

		var cred *storage.Credential
		out := new(CredentialResponse)

		q := r.URL.Query()
		if keyID := q.Get("key_id"); keyID != "" {
			cred = &storage.Credential{
				Topic:       q.Get("topic"),
				TokenKeyPEM: b,
				KeyID:       keyID,
				TeamID:      q.Get("team_id"),
			}
			// sanity check the key to make sure it can sign tokens
			if _, err = identity.ParseTokenKey(b, cred.KeyID, cred.TeamID); err != nil {
				logAndWriteJSONError(logger, w, "parse token key", err, http.StatusBadRequest)
				return
			}
		} else {
			// parse for the two separate cert and key PEM blocks
			certPEM, keyPEM, err := identity.SplitPEM(b)
			if err != nil {
				logAndWriteJSONError(logger, w, "reading PEM cert and key", err, http.StatusBadRequest)
				return
			}

			// sanity check the provided cert and key to make sure they're usable as a pair.
			cert, err := identity.ParsePEM(certPEM, keyPEM)
			if err != nil {
				logAndWriteJSONError(logger, w, "parse X509 key pair", err, http.StatusBadRequest)
				return
			}

			// get the topic from the certificate
			topic, err := identity.TopicFromCert(cert.Leaf)
			if err != nil {
				logAndWriteJSONError(logger, w, "topic from cert", err, http.StatusBadRequest)
				return
			}

			cred = &storage.Credential{Topic: topic, CertPEM: certPEM, KeyPEM: keyPEM}
			out.NotAfter = &cert.Leaf.NotAfter
		}

		if err = cred.Validate(); err != nil {
			logAndWriteJSONError(logger, w, "validate credential", err, http.StatusBadRequest)
			return
		}

		// store the credential
		if err = store.StoreCredential(r.Context(), cred); err != nil {
			logAndWriteJSONError(logger, w, "store credential", err, 0)
			return
		}

		out.Topic = cred.Topic
		out.Scheme = cred.Scheme().String()

		// debug log our success
		logger.Debug("msg", "stored credential", "topic", out.Topic, "scheme", out.Scheme)

		writeJSON(logger, w, out, http.StatusOK)
	}
}
