package api

import (
	"html/template"
	"log/slog"
	"net/http"
)

type docsLink struct {
	Href  string
	Label string
	Hint  string
}

// docsLinks are the surfaces that live outside the OpenAPI document.
var docsLinks = []docsLink{
	{"/docs/events", "Event Docs", "topics and payloads"},
	{"/events", "SSE stream", "GET, text/event-stream"},
	{"/api/v1/live/ws", "Live socket", "screenshots over WebSocket"},
	{"/metrics", "Metrics", "Prometheus"},
	{"/openapi.json", "OpenAPI", "raw document"},
}

var docsTmpl = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Stepdeck Controller API</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
  <style>
    body { margin: 0; display: flex; flex-direction: column; height: 100vh; background: #0d1117; }
    .deck { display: flex; align-items: center; gap: 18px; padding: 8px 20px; background: #161b22; border-bottom: 1px solid #30363d; font: 13px -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; color: #8b949e; }
    .deck strong { color: #e6edf3; font-size: 14px; margin-right: 8px; }
    .deck a { color: #58a6ff; text-decoration: none; }
    .deck small { color: #6e7681; margin-left: 4px; }
    .flow { margin-left: auto; font-size: 12px; }
    elements-api { flex: 1; min-height: 0; }
  </style>
</head>
<body>
  <nav class="deck">
    <strong>stepdeck</strong>
    {{range .}}<span><a href="{{.Href}}">{{.Label}}</a><small>{{.Hint}}</small></span>
    {{end}}<span class="flow">session &rarr; record &rarr; save &rarr; load &rarr; replay</span>
  </nav>
  <elements-api
    apiDescriptionUrl="/openapi.json"
    router="hash"
    layout="sidebar"
    tryItCredentialsPolicy="same-origin"
    darkMode
  />
</body>
</html>`))

func docsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if err := docsTmpl.Execute(w, docsLinks); err != nil {
		slog.Debug("docs render failed", "error", err)
	}
}
