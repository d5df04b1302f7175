package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/ygo74/openai-proxy/internal/providers"
)

// writeSSE reframes the orchestrator's chunk channel as Server-Sent Events
// per the streaming framing rule: each payload line is exactly
// "data: <json>\r\n\r\n", the terminal line is "data: [DONE]\r\n\r\n", and an
// initial empty-line ping is sent first to prompt client buffers.
func writeSSE(ctx *fasthttp.RequestCtx, ch <-chan providers.ChatCompletionChunk, onComplete func(promptTokens, completionTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		fmt.Fprint(w, "\r\n")
		w.Flush() //nolint:errcheck

		var content strings.Builder
		for chunk := range ch {
			for _, c := range chunk.Choices {
				content.WriteString(c.Delta.Content)
			}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\r\n\r\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\r\n\r\n")
		w.Flush() //nolint:errcheck

		if onComplete != nil {
			estimated := content.Len() / 4
			if estimated == 0 && content.Len() > 0 {
				estimated = 1
			}
			onComplete(0, estimated)
		}
	})
}
