package scan

import (
	"regexp"

	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
)

// pattern is one heuristic signature: a compiled regex with the category
// and severity assigned to lines it matches.
type pattern struct {
	re         *regexp.Regexp
	severity   models.Severity
	confidence float64
}

// signatures maps a vulnerability scope entry to its line signatures. The
// scope names follow the submission API.
var signatures = map[string][]pattern{
	"injection": {
		{regexp.MustCompile(`(?i)(query|exec)\s*\(\s*["'].*["']\s*\+`), models.SeverityHigh, 0.6},
		{regexp.MustCompile(`(?i)sprintf\s*\(\s*["'][^"']*(select|insert|update|delete)\b`), models.SeverityHigh, 0.6},
		{regexp.MustCompile("(?i)executeQuery\\s*\\(.*\\+"), models.SeverityHigh, 0.5},
	},
	"command-injection": {
		{regexp.MustCompile(`(?i)(exec\.Command|os\.system|subprocess\.(run|call|Popen)|child_process)\s*\(.*(\+|%s|\$\{)`), models.SeverityCritical, 0.6},
		{regexp.MustCompile(`(?i)\beval\s*\(`), models.SeverityHigh, 0.4},
	},
	"xss": {
		{regexp.MustCompile(`(?i)\.innerHTML\s*=`), models.SeverityMedium, 0.5},
		{regexp.MustCompile(`(?i)document\.write\s*\(`), models.SeverityMedium, 0.5},
		{regexp.MustCompile(`(?i)dangerouslySetInnerHTML`), models.SeverityMedium, 0.4},
	},
	"path-traversal": {
		{regexp.MustCompile(`(?i)(ioutil\.ReadFile|os\.Open|open|readFile(Sync)?)\s*\(.*(request|req\.|params|query|\.\./)`), models.SeverityHigh, 0.5},
	},
	"secrets": {
		{regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token)\s*[:=]\s*["'][A-Za-z0-9+/_\-]{12,}["']`), models.SeverityHigh, 0.7},
		{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), models.SeverityCritical, 0.9},
		{regexp.MustCompile(`-----BEGIN (RSA |EC )?PRIVATE KEY-----`), models.SeverityCritical, 0.9},
	},
	"crypto": {
		{regexp.MustCompile(`(?i)\b(md5|sha1)\s*(\.|\()`), models.SeverityLow, 0.5},
		{regexp.MustCompile(`(?i)math/rand`), models.SeverityLow, 0.3},
		{regexp.MustCompile(`(?i)InsecureSkipVerify\s*:\s*true`), models.SeverityHigh, 0.8},
	},
	"deserialization": {
		{regexp.MustCompile(`(?i)(pickle\.loads|yaml\.load\s*\((?:[^)]*Loader)?\)|ObjectInputStream|unserialize\s*\()`), models.SeverityHigh, 0.5},
	},
}

// entryPointHints flags source the reconnaissance pass counts as an
// exposed surface.
var entryPointHints = regexp.MustCompile(`(?i)(func main\(|http\.Handle|\.HandleFunc|@app\.route|express\(\)|app\.listen|createServer|@(Get|Post|Put|Delete)Mapping)`)

// riskAreaHints flags files worth a closer look regardless of scope.
var riskAreaHints = regexp.MustCompile(`(?i)(exec\.Command|os\.system|subprocess\.|\beval\s*\(|query\s*\(|innerHTML|pickle\.loads|PRIVATE KEY)`)
