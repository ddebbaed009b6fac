package cdn

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var (
	templateMarker  = regexp.MustCompile(`(?i)\{\{\s*mustache=b://\s*\}\}`)
	bindingPattern  = regexp.MustCompile(`(?i)\{\{\s*([a-z_][a-z0-9_]*)\s*=\s*((?:b|bcat)://[0-9a-f]{64})\s*\}\}`)
	variablePattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)
	includePattern  = regexp.MustCompile(`(?i)\{\{\s*((?:b|bcat)://[0-9a-f]{64})\s*\}\}`)
)

// TemplateResult is the outcome of ProcessTemplate.
type TemplateResult struct {
	Content            string
	VariablesUsed      []string
	ReferencesIncluded []string
}

// IsTemplate reports whether s carries the template marker.
func IsTemplate(s string) bool { return templateMarker.MatchString(s) }

// ProcessTemplate renders a document tagged with {{mustache=B://}}.
// {{name=b://<id>}} bindings are loaded and bound to name, as JSON when
// the record parses as JSON and as text otherwise. {{name}} and
// {{a.b.c}} placeholders are then replaced from data and the bindings.
// A binding that cannot be loaded binds "Error loading <address>".
// Untagged input is returned unchanged.
func (g *Gateway) ProcessTemplate(ctx context.Context, doc string, data map[string]any) (*TemplateResult, error) {
	res := &TemplateResult{Content: doc}
	if !IsTemplate(doc) {
		return res, nil
	}

	vars := make(map[string]any, len(data))
	for k, v := range data {
		vars[k] = v
	}
	for _, m := range bindingPattern.FindAllStringSubmatch(doc, -1) {
		name, addr := m[1], m[2]
		res.ReferencesIncluded = append(res.ReferencesIncluded, addr)
		payload, err := g.load(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			g.log.Warn("template binding failed", zap.String("name", name), zap.String("address", addr), zap.Error(err))
			vars[name] = "Error loading " + addr
			continue
		}
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			v = string(payload)
		}
		vars[name] = v
	}

	out := bindingPattern.ReplaceAllString(doc, "")
	out = templateMarker.ReplaceAllString(out, "")

	seen := make(map[string]bool)
	out = variablePattern.ReplaceAllStringFunc(out, func(match string) string {
		path := variablePattern.FindStringSubmatch(match)[1]
		if !seen[path] {
			seen[path] = true
			res.VariablesUsed = append(res.VariablesUsed, path)
		}
		return render(lookup(vars, path))
	})
	res.Content = out
	return res, nil
}

// lookup walks a dotted path through maps and slices.
func lookup(vars map[string]any, path string) any {
	var cur any = vars
	for _, seg := range strings.Split(path, ".") {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil
			}
			cur = c[i]
		default:
			return nil
		}
	}
	return cur
}

func render(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool, int, int64, uint64:
		return fmt.Sprint(v)
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// ProcessIncludes splices the record named by each {{b://<id>}} or
// {{bcat://<id>}} marker into doc, resolving markers in the included text
// too. Includes nested deeper than MaxIncludeDepth, includes that would
// recurse into one of their ancestors, and includes that cannot be loaded
// are replaced with "[Error loading <address>]". Only cancellation fails
// the call.
func (g *Gateway) ProcessIncludes(ctx context.Context, doc string) (string, error) {
	return g.include(ctx, doc, 0, map[string]bool{})
}

func (g *Gateway) include(ctx context.Context, doc string, depth int, ancestors map[string]bool) (string, error) {
	locs := includePattern.FindAllStringSubmatchIndex(doc, -1)
	if len(locs) == 0 {
		return doc, nil
	}

	var b strings.Builder
	last := 0
	for _, loc := range locs {
		b.WriteString(doc[last:loc[0]])
		last = loc[1]
		addr := doc[loc[2]:loc[3]]
		key := strings.ToLower(addr[strings.Index(addr, "://")+3:])

		placeholder := "[Error loading " + addr + "]"
		if depth >= g.maxDepth || ancestors[key] {
			g.log.Warn("include skipped",
				zap.String("address", addr),
				zap.Int("depth", depth),
				zap.Bool("cycle", ancestors[key]),
			)
			b.WriteString(placeholder)
			continue
		}

		payload, err := g.load(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			g.log.Warn("include failed", zap.String("address", addr), zap.Error(err))
			b.WriteString(placeholder)
			continue
		}

		ancestors[key] = true
		nested, err := g.include(ctx, string(payload), depth+1, ancestors)
		delete(ancestors, key)
		if err != nil {
			return "", err
		}
		b.WriteString(nested)
	}
	b.WriteString(doc[last:])
	return b.String(), nil
}
