package api

import (
	"net/http"
	"strings"

	"github.com/micromdm/nanoapns/push"
	"github.com/micromdm/nanoapns/storage"

	"github.com/micromdm/nanolib/log"
)

const (
	APIEndpointCredential = "/credential"
	APIEndpointPush       = "/push/" // note trailing slash
)

// Mux can register HTTP handlers.
type Mux interface {
	// Handle registers the handler for the given pattern.
	// It is assumed pattern operates similar to http.ServeMux with
	// respect to "trailing slash" behavior.
	Handle(pattern string, handler http.Handler)
}

func handlerName(endpoint string) string {
	return strings.Trim(endpoint, "/")
}

// HandleAPIv1 registers the various API handlers into mux.
// API endpoint paths are prepended with prefix.
// Authentication or any other layered handlers are not present.
// They are assumed to be layered with mux.
// If prefix is empty and these handlers are used in sub-paths then
// handlers should have that sub-path stripped from the request.
// The logger is adorned with a "handler" key of the endpoint name.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, store storage.CredentialStorer, pusher push.Pusher) {
	// register API handler for credential storage/upload
	mux.Handle(
		prefix+APIEndpointCredential,
		StoreCredentialHandler(
			store,
			logger.With("handler", handlerName(APIEndpointCredential)),
		),
	)

	// register API handler for sending APNs push notifications
	if pusher != nil {
		mux.Handle(
			prefix+APIEndpointPush,
			http.StripPrefix( // we strip the prefix to use the path as the topic and tokens
				prefix+APIEndpointPush,
				PushHandler(
					pusher,
					logger.With("handler", handlerName(APIEndpointPush)),
				),
			),
		)
	}
}
