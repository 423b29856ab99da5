package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

var titleCase = cases.Title(language.English)

const indexTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>RPM update bundles</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; width: 100%; margin-bottom: 2em; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
.failed { color: #b00; }
code { font-size: 0.85em; }
</style>
</head>
<body>
<h1>RPM update bundles</h1>
<p>{{count .Totals.SuccessfulBuilds}} of {{count .Totals.Builds}} builds succeeded,
shipping {{count .Totals.PackagesShipped}} packages ({{formatBytes .Totals.BytesShipped}}).
Generated {{.GeneratedAt.Format "2006-01-02 15:04:05 UTC"}}.</p>
{{range .Groups}}
<h2>RHEL {{.OSMajor}}</h2>
<table>
<tr><th>Bundle</th><th>Status</th><th>Started</th><th>Duration</th><th>Hosts</th><th>Packages</th><th>Security</th><th>Updates</th><th>Dependencies</th><th>Failed</th><th>Size</th><th>SHA256</th></tr>
{{range .Builds}}<tr{{if ne .Status "success"}} class="failed"{{end}}>
<td>{{if .ReleaseURL}}<a href="{{.ReleaseURL}}">{{.BundleID}}</a>{{else}}{{.BundleID}}{{end}}{{if .Signed}} &#128274;{{end}}</td>
<td>{{title .Status}}{{if .ErrorMessage}}: {{.ErrorMessage}}{{end}}</td>
<td>{{.StartedAt.Format "2006-01-02 15:04"}}</td>
<td>{{.Duration}}</td>
<td>{{count .ManifestCount}}</td>
<td>{{count .PackageCount}}</td>
<td>{{count .SecurityCount}}</td>
<td>{{count .UpdateCount}}</td>
<td>{{count .DependencyCount}}</td>
<td>{{count .FailedCount}}</td>
<td>{{formatBytes .SizeBytes}}</td>
<td><code>{{.SHA256}}</code></td>
</tr>
{{end}}</table>
{{else}}
<p>No builds recorded.</p>
{{end}}
</body>
</html>
`

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"formatBytes": FormatBytes,
	"count":       formatCount,
	"title":       titleCase.String,
}).Parse(indexTemplate))

// RenderHTML renders the index page.
func RenderHTML(m *Model) ([]byte, error) {
	var buf bytes.Buffer
	if err := indexTmpl.Execute(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderJSON renders the machine-readable feed.
func RenderJSON(m *Model) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// formatCount groups thousands, e.g. 12,345.
func formatCount(n int) string {
	return printer.Sprintf("%d", n)
}

// FormatBytes formats a byte count in binary units, e.g. 1.5 KB.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
