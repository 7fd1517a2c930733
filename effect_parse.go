package lumen

import (
	"fmt"
	"regexp"
	"strings"
)

// Effect source directive grammar. Both directives are line-anchored,
// case-insensitive, and whitespace-tolerant:
//
//	#property <identifier> <value-text>   sets property[name] = value
//	#buffershader                         starts a new pass
//
// Directive lines are consumed from the emitted pass bodies and replaced
// with #line markers so compiler diagnostics stay aligned with the author's
// source.
var (
	propertyRe     = regexp.MustCompile(`(?i)^\s*#property\s+(\w+)\s+(.*)$`)
	bufferShaderRe = regexp.MustCompile(`(?i)^\s*#buffershader\s*$`)
)

// linePrefix marks synthetic line-number directives inside pass bodies.
const linePrefix = "#line "

// ParsedEffect is the result of preprocessing one effect's source text.
type ParsedEffect struct {
	// Passes holds one body per pass, in declaration order. Each body starts
	// with a #line marker and contains further markers where directive lines
	// were consumed.
	Passes []string

	// Properties maps directive names to their raw string values. The
	// default entry inputCount=1 is present unless the source overrides it.
	Properties map[string]string
}

// PassCount returns the number of declared passes. Always >= 1: an effect
// with no #buffershader directive is a single-pass effect.
func (p *ParsedEffect) PassCount() int { return len(p.Passes) }

// PassBody returns pass i's body with the synthetic #line markers stripped,
// which is the author-visible content of the pass.
func (p *ParsedEffect) PassBody(i int) string {
	var lines []string
	for _, l := range strings.Split(p.Passes[i], "\n") {
		if strings.HasPrefix(strings.TrimSpace(l), linePrefix) {
			continue
		}
		lines = append(lines, l)
	}
	return strings.Join(lines, "\n")
}

// ParseEffectSource applies the directive grammar line-by-line to an
// effect's source text. Parsing never fails: malformed directive-like lines
// simply remain part of the current pass body and surface as compile
// diagnostics instead.
func ParseEffectSource(src string) *ParsedEffect {
	passes := [][]string{{linePrefix + "0"}}
	props := map[string]string{"inputCount": "1"}

	lines := strings.Split(src, "\n")
	// A trailing newline yields a final empty element; drop it so pass
	// bodies do not grow a spurious blank line.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	for lineno, line := range lines {
		if m := propertyRe.FindStringSubmatch(line); m != nil {
			props[m[1]] = strings.TrimSpace(m[2])
			last := len(passes) - 1
			passes[last] = append(passes[last], fmt.Sprintf("%s%d", linePrefix, lineno))
			continue
		}
		if bufferShaderRe.MatchString(line) {
			passes = append(passes, []string{fmt.Sprintf("%s%d", linePrefix, lineno)})
			continue
		}
		last := len(passes) - 1
		passes[last] = append(passes[last], line)
	}

	out := &ParsedEffect{Properties: props}
	for _, p := range passes {
		out.Passes = append(out.Passes, strings.Join(p, "\n"))
	}
	return out
}

// effectHeader is the shared uniform block prefixed to every pass. The
// uniform names are part of the effect compatibility surface and must not
// change.
const effectHeader = `struct EffectUniforms {
    iIntensity: f32,
    iIntensityIntegral: f32,
    iStep: f32,
    iTime: f32,
    iFPS: f32,
    _pad0: f32,
    _pad1: f32,
    _pad2: f32,
    iAudio: vec4<f32>,
    iResolution: vec2<f32>,
    _pad3: vec2<f32>,
}

@group(0) @binding(0) var<uniform> uni: EffectUniforms;
@group(0) @binding(1) var iSampler: sampler;

struct FSIn {
    @builtin(position) pos: vec4<f32>,
    @location(0) uv: vec2<f32>,
}

@vertex
fn vs_main(@builtin(vertex_index) idx: u32) -> FSIn {
    var out: FSIn;
    let x = f32(i32(idx) / 2) * 4.0 - 1.0;
    let y = f32(i32(idx) % 2) * 4.0 - 1.0;
    out.pos = vec4<f32>(x, y, 0.0, 1.0);
    out.uv = vec2<f32>((x + 1.0) * 0.5, 1.0 - (y + 1.0) * 0.5);
    return out;
}
`

// BuildPassSources assembles the final compilable source for every pass:
// shared header, generated texture binding declarations for the effect's
// input/noise/channel slots, then the pass body. The binding order encodes
// the texture slot contract: graph inputs first, then the chain noise
// texture, then one channel per pass output.
func BuildPassSources(effect string, parsed *ParsedEffect, inputCount int) []PassSource {
	passCount := parsed.PassCount()

	var b strings.Builder
	b.WriteString(effectHeader)
	for i := 0; i < inputCount; i++ {
		fmt.Fprintf(&b, "@group(0) @binding(%d) var iInput%d: texture_2d<f32>;\n", 2+i, i)
	}
	fmt.Fprintf(&b, "@group(0) @binding(%d) var iNoise: texture_2d<f32>;\n", 2+inputCount)
	for k := 0; k < passCount; k++ {
		fmt.Fprintf(&b, "@group(0) @binding(%d) var iChannel%d: texture_2d<f32>;\n", 3+inputCount+k, k)
	}
	header := b.String()

	out := make([]PassSource, passCount)
	for i := 0; i < passCount; i++ {
		out[i] = PassSource{
			Effect: effect,
			Index:  i,
			Source: header + "\n" + parsed.Passes[i],
		}
	}
	return out
}
