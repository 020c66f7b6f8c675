package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"codeberg.org/mutker/gpudiag/internal/errors"
)

const clientTimeout = 10 * time.Second

// getJSON fetches path from the daemon at addr and decodes the body into v.
// Error bodies come back as coded errors.
func getJSON(ctx context.Context, addr, path string, v interface{}) error {
	errFactory := errors.New()

	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+path, nil)
	if err != nil {
		return errFactory.Wrap(errors.ErrInvalidArgument, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errFactory.Wrap(errors.ErrUnavailable, err).WithMessage("Failed to reach gpudiag daemon at " + addr)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var body struct {
			Error struct {
				Code    errors.ErrorCode `json:"code"`
				Message string           `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error.Code == "" {
			return errFactory.WithData(errors.ErrOperationFailed, resp.Status)
		}
		return errFactory.WithMessage(body.Error.Code, body.Error.Message)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}
	return nil
}
