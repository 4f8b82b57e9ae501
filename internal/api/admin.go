package api

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/log-zero/sentinel/internal/models"
)

const (
	adminTitle       = "Anomaly Detection System Admin"
	adminLogsPerPage = 50
	adminReportsPage = 25
)

var severityColors = map[string]string{
	models.SeverityError:    "red",
	models.SeverityWarning:  "orange",
	models.SeverityInfo:     "blue",
	models.SeverityDebug:    "gray",
	models.SeverityCritical: "darkred",
}

func severityColor(sev string) string {
	if c, ok := severityColors[sev]; ok {
		return c
	}
	return "black"
}

func scoreBadge(score float64) template.HTML {
	color, icon := "green", "✓"
	switch {
	case score >= 0.8:
		color, icon = "darkred", "🚨"
	case score >= 0.6:
		color, icon = "red", "⚠️"
	case score >= 0.4:
		color, icon = "orange", "⚡"
	}
	return template.HTML(fmt.Sprintf(`<span style="color: %s; font-weight: bold;">%s %.2f</span>`, color, icon, score))
}

func anomalyStatus(count int) template.HTML {
	if count == 0 {
		return `<span style="color: green;">✓ Normal</span>`
	}
	suffix := "ies"
	if count == 1 {
		suffix = "y"
	}
	return template.HTML(fmt.Sprintf(`<span style="color: red; font-weight: bold;">⚠️ %d anomal%s</span>`, count, suffix))
}

var adminTemplates = template.Must(template.New("admin").Funcs(template.FuncMap{
	"severityColor": severityColor,
	"scoreBadge":    scoreBadge,
	"anomalyStatus": anomalyStatus,
	"truncate":      models.Truncate,
	"formatTime":    func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04:05") },
}).Parse(`
{{define "header"}}<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title>
<style>body{font-family:sans-serif;margin:2em}table{border-collapse:collapse;width:100%}td,th{border-bottom:1px solid #ddd;padding:6px;text-align:left}nav a{margin-right:1em}</style>
</head><body>
<h1>` + adminTitle + `</h1>
<nav><a href="/admin/">Home</a><a href="/admin/logs">Log entries</a><a href="/admin/anomalies">Anomaly reports</a></nav>
<h2>{{.Title}}</h2>{{end}}

{{define "footer"}}</body></html>{{end}}

{{define "pager"}}<p>{{if gt .Page 1}}<a href="?{{.Query}}page={{.Prev}}">&laquo; previous</a>{{end}}
Page {{.Page}}{{if .HasNext}} <a href="?{{.Query}}page={{.Next}}">next &raquo;</a>{{end}}</p>{{end}}

{{define "index"}}{{template "header" .}}
<p>Welcome to Anomaly Detection System Administration</p>
<ul>
<li>Total log entries: {{.Dashboard.TotalLogs}}</li>
<li>Anomalies in the last 24 hours: {{.Dashboard.AnomaliesLast24h}}</li>
<li>Anomalies in the last 7 days: {{.Dashboard.AnomaliesLast7d}}</li>
</ul>
{{template "footer" .}}{{end}}

{{define "logs"}}{{template "header" .}}
<form method="get">
<input name="search" value="{{.Search}}" placeholder="Search message or severity">
<select name="severity"><option value="">All severities</option>
{{range .Severities}}<option value="{{.}}"{{if eq . $.Severity}} selected{{end}}>{{.}}</option>{{end}}
</select>
<button type="submit">Filter</button>
</form>
<table><tr><th>ID</th><th>Timestamp</th><th>Severity</th><th>Message</th><th>Anomaly Status</th><th></th></tr>
{{range .Rows}}<tr>
<td><a href="/admin/logs/{{.Entry.ID}}">{{.Entry.ID}}</a></td>
<td>{{formatTime .Entry.Timestamp}}</td>
<td><span style="color: {{severityColor .Entry.Severity}}; font-weight: bold;">{{.Entry.Severity}}</span></td>
<td>{{truncate .Entry.Message 100}}</td>
<td>{{anomalyStatus .Anomalies}}</td>
<td><form method="post" action="/admin/logs/{{.Entry.ID}}/delete"><button type="submit">Delete</button></form></td>
</tr>{{else}}<tr><td colspan="6">No log entries.</td></tr>{{end}}
</table>
{{template "pager" .Pager}}
{{template "footer" .}}{{end}}

{{define "log"}}{{template "header" .}}
<div style="background: #f8f9fa; padding: 10px; border-radius: 5px;">
<strong>Timestamp:</strong> {{formatTime .Entry.Timestamp}}<br>
<strong>Severity:</strong> <span style="color: {{severityColor .Entry.Severity}};">{{.Entry.Severity}}</span><br>
<strong>Anomaly Status:</strong> {{anomalyStatus .Anomalies}}<br>
<strong>Message:</strong><br>
<pre style="white-space: pre-wrap; margin-top: 5px;">{{.Entry.Message}}</pre>
</div>
<form method="post" action="/admin/logs/{{.Entry.ID}}/delete"><button type="submit">Delete entry and its reports</button></form>
{{template "footer" .}}{{end}}

{{define "anomalies"}}{{template "header" .}}
<table><tr><th>ID</th><th>Log Entry</th><th>Score</th><th>Summary</th><th>Log Time</th></tr>
{{range .Reports}}<tr>
<td>{{.ID}}</td>
<td><a href="/admin/logs/{{.LogEntryID}}">Log #{{.LogEntryID}}</a></td>
<td>{{scoreBadge .AnomalyScore}}</td>
<td>{{truncate .Summary 80}}</td>
<td>{{if .LogEntry}}{{formatTime .LogEntry.Timestamp}}{{end}}</td>
</tr>{{else}}<tr><td colspan="5">No anomaly reports.</td></tr>{{end}}
</table>
{{template "pager" .Pager}}
{{template "footer" .}}{{end}}
`))

type pager struct {
	Page    int
	HasNext bool
	Query   template.URL
}

func (p pager) Prev() int { return p.Page - 1 }
func (p pager) Next() int { return p.Page + 1 }

type logRow struct {
	Entry     models.LogEntry
	Anomalies int
}

func (s *Server) setupAdmin() {
	admin := s.app.Group("/admin", basicauth.New(basicauth.Config{
		Realm:      adminTitle,
		Authorizer: s.authorizeAdmin,
	}))
	admin.Get("/", s.adminIndex)
	admin.Get("/logs", s.adminLogs)
	admin.Get("/logs/:id", s.adminLog)
	admin.Post("/logs/:id/delete", s.adminDeleteLog)
	admin.Get("/anomalies", s.adminAnomalies)
}

func (s *Server) authorizeAdmin(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(s.config.AdminUsername)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.config.AdminPasswordHash), []byte(pass)) == nil
}

func (s *Server) render(c *fiber.Ctx, name string, data fiber.Map) error {
	var buf bytes.Buffer
	if err := adminTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("Admin template failed", zap.String("template", name), zap.Error(err))
		return err
	}
	c.Type("html", "utf-8")
	return c.Send(buf.Bytes())
}

func page(c *fiber.Ctx) int {
	if p := c.QueryInt("page", 1); p > 1 {
		return p
	}
	return 1
}

func (s *Server) adminIndex(c *fiber.Ctx) error {
	d, err := s.dashboard(c.UserContext())
	if err != nil {
		return err
	}
	return s.render(c, "index", fiber.Map{"Title": "Site administration", "Dashboard": d})
}

func (s *Server) adminLogs(c *fiber.Ctx) error {
	p := page(c)
	severity := strings.TrimSpace(c.Query("severity"))
	search := strings.TrimSpace(c.Query("search"))

	entries, err := s.deps.Store.ListLogEntries(c.UserContext(), models.LogFilter{
		Severity: severity,
		Query:    search,
		Limit:    adminLogsPerPage,
		Offset:   (p - 1) * adminLogsPerPage,
	})
	if err != nil {
		return err
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	counts, err := s.deps.Store.CountAnomaliesByEntry(c.UserContext(), ids)
	if err != nil {
		return err
	}

	rows := make([]logRow, len(entries))
	for i, e := range entries {
		rows[i] = logRow{Entry: e, Anomalies: counts[e.ID]}
	}

	var query string
	if severity != "" {
		query += "severity=" + template.URLQueryEscaper(severity) + "&"
	}
	if search != "" {
		query += "search=" + template.URLQueryEscaper(search) + "&"
	}

	return s.render(c, "logs", fiber.Map{
		"Title":      "Log entries",
		"Rows":       rows,
		"Severity":   severity,
		"Search":     search,
		"Severities": []string{models.SeverityDebug, models.SeverityInfo, models.SeverityWarning, models.SeverityError, models.SeverityCritical},
		"Pager":      pager{Page: p, HasNext: len(entries) == adminLogsPerPage, Query: template.URL(query)},
	})
}

func (s *Server) adminLog(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	entry, err := s.deps.Store.GetLogEntry(c.UserContext(), id)
	if err != nil {
		return err
	}
	counts, err := s.deps.Store.CountAnomaliesByEntry(c.UserContext(), []int64{id})
	if err != nil {
		return err
	}
	return s.render(c, "log", fiber.Map{
		"Title":     fmt.Sprintf("Log entry #%d", id),
		"Entry":     entry,
		"Anomalies": counts[id],
	})
}

func (s *Server) adminDeleteLog(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := s.deps.Store.DeleteLogEntry(c.UserContext(), id); err != nil {
		return err
	}
	s.logger.Info("Log entry deleted from admin", zap.Int64("log_entry_id", id))
	return c.Redirect("/admin/logs", fiber.StatusSeeOther)
}

func (s *Server) adminAnomalies(c *fiber.Ctx) error {
	p := page(c)
	reports, err := s.deps.Store.ListAnomalyReports(c.UserContext(), models.AnomalyFilter{
		Limit:  adminReportsPage,
		Offset: (p - 1) * adminReportsPage,
	})
	if err != nil {
		return err
	}
	return s.render(c, "anomalies", fiber.Map{
		"Title":   "Anomaly reports",
		"Reports": reports,
		"Pager":   pager{Page: p, HasNext: len(reports) == adminReportsPage},
	})
}
