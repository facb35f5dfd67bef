package resolver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cbroglie/mustache"

	"github.com/dghilardi/port-plumber/internal/config"
	"github.com/dghilardi/port-plumber/internal/plumber"
)

// TemplateParams is the context every command template is rendered with:
//
//	{{source.ip}}   allocated source address
//	{{target.ip}}   allocated target address
//	{{url.full}}    the resolved name
//	{{url.parts.0}} rightmost label of the name, {{url.parts.1}} the next one...
type TemplateParams map[string]any

// NewTemplateParams builds the parameters of name bound to binding.
func NewTemplateParams(name string, binding plumber.AddressBinding) TemplateParams {
	labels := strings.Split(name, ".")
	parts := make(map[string]any, len(labels))
	for i := range labels {
		parts[strconv.Itoa(i)] = labels[len(labels)-1-i]
	}
	return TemplateParams{
		"source": map[string]any{"ip": binding.Source.String()},
		"target": map[string]any{"ip": binding.Target.String()},
		"url": map[string]any{
			"full":  name,
			"parts": parts,
		},
	}
}

func render(tpl string, params TemplateParams) (string, error) {
	t, err := mustache.ParseStringRaw(tpl, true)
	if err != nil {
		return "", fmt.Errorf("parse template %q: %w", tpl, err)
	}
	if err := checkVariables(t.Tags(), params); err != nil {
		return "", fmt.Errorf("render template %q: %w", tpl, err)
	}
	out, err := t.Render(params)
	if err != nil {
		return "", fmt.Errorf("render template %q: %w", tpl, err)
	}
	return out, nil
}

// checkVariables rejects variables that params cannot resolve. Names inside
// sections resolve against the section context and are left to the renderer.
func checkVariables(tags []mustache.Tag, params TemplateParams) error {
	for _, tag := range tags {
		if tag.Type() != mustache.Variable {
			continue
		}
		if !lookup(params, tag.Name()) {
			return fmt.Errorf("missing variable %q", tag.Name())
		}
	}
	return nil
}

func lookup(params TemplateParams, name string) bool {
	var cur any = map[string]any(params)
	for _, key := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		if cur, ok = m[key]; !ok {
			return false
		}
	}
	return true
}

func renderAll(tpls []string, params TemplateParams) ([]string, error) {
	if tpls == nil {
		return nil, nil
	}
	out := make([]string, len(tpls))
	for i, tpl := range tpls {
		v, err := render(tpl, params)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// RenderResource renders the program, arguments and working directory of
// the setup command and of the healthcheck.
func RenderResource(tpl *config.ResourceConfig, params TemplateParams) (*config.ResourceConfig, error) {
	if tpl == nil {
		return nil, nil
	}
	out := &config.ResourceConfig{WarmupMillis: tpl.WarmupMillis}
	var err error
	if out.Setup.Command, err = render(tpl.Setup.Command, params); err != nil {
		return nil, err
	}
	if out.Setup.Args, err = renderAll(tpl.Setup.Args, params); err != nil {
		return nil, err
	}
	if out.Setup.WorkingDir, err = render(tpl.Setup.WorkingDir, params); err != nil {
		return nil, err
	}
	if tpl.Healthcheck != nil {
		hc := &config.HealthcheckConfig{TimeoutMillis: tpl.Healthcheck.TimeoutMillis}
		if hc.Command, err = render(tpl.Healthcheck.Command, params); err != nil {
			return nil, err
		}
		if hc.Args, err = renderAll(tpl.Healthcheck.Args, params); err != nil {
			return nil, err
		}
		out.Healthcheck = hc
	}
	return out, nil
}
