package api

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/dgnsrekt/stepdeck/internal/events"
)

type topicDoc struct {
	Topic   events.Topic
	Payload string
	Summary string
}

var topicDocs = []topicDoc{
	{events.TopicSessionCreated, "{session_id, tab_id, title}", "A new remote session replaced the previous one."},
	{events.TopicSessionExpired, "{session_id}", "The remote side reported the session gone. Recording and replay stop."},
	{events.TopicBusy, "{busy}", "A step submission started or finished."},
	{events.TopicScreenshot, "screenshot", "A fresh screenshot, from a step result or the live poller."},
	{events.TopicStepAppended, "{tab_id, step, index}", "A step was recorded into tab history."},
	{events.TopicStepFailed, "{tab_id, kind, error} or {step_id, outcome, error}", "A recorded step was rejected (history unchanged) or a replay step failed."},
	{events.TopicStepTextEdited, "{tab_id, edit}", "Recorded TYPE text was edited and resent."},
	{events.TopicTabOpened, "{tab_id, title}", "An action opened a new tab. It becomes active."},
	{events.TopicTabActivated, "{tab_id}", "The active tab changed."},
	{events.TopicReplayState, "{state, recording, tab_id}", "Replay state changed (idle, running, paused, completed, expired)."},
	{events.TopicReplayStep, "{step_id, outcome, error}", "One replay step finished."},
	{events.TopicReplayContext, "{step_id, prompt, region, display}", "A CONTEXT step was reached. Nothing is sent to the browser."},
	{events.TopicReplayNeedInput, "{step_id, label, is_password}", "A stored TYPE step is waiting for a value. POST /api/v1/replay/input."},
	{events.TopicLiveState, "{live}", "Live screenshot polling started or stopped."},
	{events.TopicRecordingSaved, "{name, session_id}", "The session history was saved as a recording."},
}

var eventsDocsTmpl = template.Must(template.New("events").Parse(`<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Events - Stepdeck Controller</title>
  <style>
    body { margin: 0; padding: 32px; font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; font-size: 14px; line-height: 1.6; background: #0d1117; color: #c9d1d9; }
    a { color: #58a6ff; text-decoration: none; }
    h1, h2 { color: #e6edf3; }
    h2 { border-bottom: 1px solid #21262d; padding-bottom: 8px; margin-top: 36px; }
    table { width: 100%; max-width: 1100px; border-collapse: collapse; font-size: 13px; }
    th { text-align: left; padding: 8px 12px; background: #161b22; color: #8b949e; border-bottom: 1px solid #30363d; }
    td { padding: 8px 12px; border-bottom: 1px solid #21262d; vertical-align: top; }
    code, pre { font-family: "SFMono-Regular", Consolas, Menlo, monospace; background: #161b22; border: 1px solid #30363d; border-radius: 4px; color: #e6edf3; }
    code { font-size: 12px; padding: 1px 5px; }
    pre { padding: 16px; max-width: 1100px; overflow-x: auto; }
  </style>
</head>
<body>
  <a href="/docs">&larr; REST API</a>
  <h1>Events</h1>
  <p>Every state change is published on the event bus. Each event carries a topic, a UTC timestamp and a JSON payload.</p>

  <h2>Server-sent events</h2>
  <p><code>GET /events?topics=step.appended,replay.state</code> streams events. Omit <code>topics</code> to receive all of them.</p>
  <pre><code>event: step.appended
data: {"tab_id":"tab-1","step":{"type":"CLICK", ...}}</code></pre>

  <h2>Live WebSocket</h2>
  <p><code>GET /api/v1/live/ws</code> upgrades to a WebSocket that carries <code>screenshot.updated</code> and <code>live.state</code> events as JSON text frames. Send <code>start</code> or <code>stop</code> to control polling.</p>

  <h2>Topics</h2>
  <table>
    <tr><th>Topic</th><th>Payload</th><th>When</th></tr>
    {{range .}}<tr><td><code>{{.Topic}}</code></td><td><code>{{.Payload}}</code></td><td>{{.Summary}}</td></tr>
    {{end}}
  </table>
</body>
</html>`))

func eventsDocsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if err := eventsDocsTmpl.Execute(w, topicDocs); err != nil {
		slog.Debug("events docs render failed", "error", err)
	}
}
