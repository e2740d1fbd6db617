// Package httputil writes the JSON bodies the render service returns for
// errors and status endpoints.
package httputil

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
	URL       string `json:"url,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// JSON writes v with the given status
func JSON(ctx *fasthttp.RequestCtx, v interface{}, statusCode int) {
	body, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":"response encoding failed","error_type":"internal"}`)
		return
	}
	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// JSONError writes an ErrorResponse
func JSONError(ctx *fasthttp.RequestCtx, resp ErrorResponse, statusCode int) {
	JSON(ctx, resp, statusCode)
}
