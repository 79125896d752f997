package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/micromdm/nanoapns/api"
	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/push"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// writeAPIResult encodes r to JSON to w, logging errors to logger if necessary.
func writeAPIResult(logger log.Logger, w http.ResponseWriter, r *api.APIResult, header int) {
	if header < 1 {
		header = http.StatusInternalServerError
	}

	if r == nil {
		r = &api.APIResult{PushError: api.NewError(errors.New("nil API result"))}
	}

	writeJSON(logger, w, r, header)
}

// writeJSON encodes v to JSON to w with header.
func writeJSON(logger log.Logger, w http.ResponseWriter, v interface{}, header int) {
	w.Header().Set("Content-type", "application/json")
	w.WriteHeader(header)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "\t")

	err := enc.Encode(v)
	if err != nil && logger != nil {
		logger.Info("msg", "encoding json", "err", err)
	}
}

// amendAPIError amends or inserts err into e.
func amendAPIError(err error, e **api.Error) {
	if e == nil || err == nil {
		return
	}
	if *e == nil {
		// add new
		*e = api.NewError(err)
	} else {
		// amend any existing error
		*e = api.NewError(fmt.Errorf("result API error: %w; previous error: %v", err, (*e).Err))
	}
}

// PathTopicTokensGetter returns the topic and the list of
// comma-separated device tokens from the path of r.
// The path is expected to be of the form "topic/token1,token2".
func PathTopicTokensGetter(r *http.Request) (string, []string, error) {
	topic, tokens, ok := strings.Cut(strings.Trim(r.URL.Path, "/"), "/")
	if !ok || topic == "" {
		return "", nil, errors.New("missing topic or device tokens in path")
	}
	if tokens == "" {
		return "", nil, errors.New("empty device tokens")
	}
	return topic, strings.Split(tokens, ","), nil
}

// NotificationOptionsFromQuery reads APNs notification options from the
// URL query parameters of r.
func NotificationOptionsFromQuery(r *http.Request) (apns.NotificationOptions, error) {
	q := r.URL.Query()
	opts := apns.NotificationOptions{
		ID:         q.Get("apns_id"),
		CollapseID: q.Get("collapse_id"),
		PushType:   apns.PushType(q.Get("push_type")),
		Topic:      q.Get("apns_topic"),
	}
	if v := q.Get("priority"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("parsing priority: %w", err)
		}
		opts.Priority = apns.Priority(p)
	}
	if v := q.Get("expiration"); v != "" {
		exp, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return opts, fmt.Errorf("parsing expiration: %w", err)
		}
		if exp > 0 {
			opts.Expiration = time.Unix(exp, 0)
		}
	}
	return opts, nil
}

// PushHandler sends an APNs notification to the device tokens of a topic.
// The JSON payload is read from the body of the request and notification
// options from the URL query parameters.
//
// Note the whole URL path is used as the topic and tokens. This
// probably necessitates stripping the URL prefix before using. Also
// note we expose Go errors to the output as this is meant for "API"
// users.
func PushHandler(pusher push.Pusher, logger log.Logger) http.HandlerFunc {
	if pusher == nil {
		panic("nil pusher")
	}

	ps, psErr := api.NewPushSender(pusher, api.WithLogger(logger))
	if psErr != nil {
		panic(psErr)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var pr *api.APIResult
		header := http.StatusInternalServerError
		logger := ctxlog.Logger(r.Context(), logger)

		defer func() {
			writeAPIResult(logger, w, pr, header)
		}()

		fail := func(msg string, err error, code int) {
			logger.Info("msg", msg, "err", err)
			// synthesize an API result error
			pr = new(api.APIResult)
			amendAPIError(err, &pr.PushError)
			header = code
		}

		if r.Method != http.MethodPost {
			fail("method", fmt.Errorf("method not allowed: %s", r.Method), http.StatusMethodNotAllowed)
			return
		}

		topic, tokens, err := PathTopicTokensGetter(r)
		if err != nil {
			fail("getting topic and tokens", err, http.StatusBadRequest)
			return
		}

		opts, err := NotificationOptionsFromQuery(r)
		if err != nil {
			fail("notification options", err, http.StatusBadRequest)
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			fail("reading body", err, http.StatusInternalServerError)
			return
		}
		if !json.Valid(payload) {
			fail("payload", errors.New("payload is not valid JSON"), http.StatusBadRequest)
			return
		}

		pr, header, err = ps.Push(r.Context(), topic, tokens, payload, opts)
		if err != nil {
			if pr == nil {
				pr = new(api.APIResult)
			}
			// amend the result json with our error
			// so as to be visible to HTTP API callers
			amendAPIError(err, &pr.PushError)
			logs := []interface{}{
				"msg", "sending push",
				"topic", topic,
				"token_count", len(tokens),
				"err", err,
			}
			if len(tokens) > 0 {
				logs = append(logs, "token_first", tokens[0])
			}
			logger.Info(logs...)
		}
	}
}

// logAndWriteJSONError is a helper for both logging and outputting errors in JSON.
func logAndWriteJSONError(logger log.Logger, w http.ResponseWriter, msg string, inErr error, header int) {
	logger.Info("msg", msg, "err", inErr)

	if header < 1 {
		header = http.StatusInternalServerError
	}

	type jsonError struct {
		Error string `json:"error"`
	}

	writeJSON(logger, w, &jsonError{Error: inErr.Error()}, header)
}
