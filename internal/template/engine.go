// Package template renders campaign bodies and topic unsubscribe templates
// with the Liquid template language, extended with the two newsletter tags:
//
//	{% encrypt a b %}  tenant-signed token over the resolved arguments
//	{% link 'url' %}   click-tracking redirect wrapping, when a live
//	                   dispatch/subscriber pair is in scope
package template

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"
	"github.com/osteele/liquid/render"

	"github.com/ignite/newsletter/internal/signing"
)

// Binding keys recognized by the newsletter tags. Merge variables such as
// "email" and "unsubscribe_url" are plain bindings with no special handling.
const (
	BindClient       = "client"
	BindDispatchID   = "dispatch_id"
	BindSubscriberID = "subscriber_id"

	// ClientSecretKey is the key inside the client binding map holding the
	// tenant secret used by {% encrypt %}.
	ClientSecretKey = "secret_key"
)

// Engine compiles and renders newsletter templates. Compiled templates are
// cached so a dispatch parses each campaign body once and renders it per
// recipient.
type Engine struct {
	liquid  *liquid.Engine
	signer  *signing.TrackingSigner
	baseURL string
	cache   sync.Map // source -> *Template
}

// Template is a compiled template ready for repeated rendering.
type Template struct {
	tpl *liquid.Template
}

// NewEngine creates an engine. baseURL is the public origin of the tracking
// endpoints, used by the link tag.
func NewEngine(signer *signing.TrackingSigner, baseURL string) *Engine {
	e := &Engine{
		liquid:  liquid.NewEngine(),
		signer:  signer,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	e.liquid.RegisterTag("encrypt", e.renderEncrypt)
	e.liquid.RegisterTag("link", e.renderLink)
	return e
}

// Parse compiles a template source string. A malformed template returns an
// error here, before any recipient is processed.
func (e *Engine) Parse(source string) (*Template, error) {
	if cached, ok := e.cache.Load(source); ok {
		return cached.(*Template), nil
	}
	tpl, err := e.liquid.ParseString(source)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	t := &Template{tpl: tpl}
	e.cache.Store(source, t)
	return t, nil
}

// Render evaluates the template against per-recipient bindings.
func (t *Template) Render(bindings map[string]interface{}) (string, error) {
	return t.tpl.RenderString(bindings)
}

// UsesLinkTag reports whether a template source contains the link directive.
// The dispatch orchestrator uses this to decide the click-tracking flag once
// per campaign, from the source rather than from render output.
func UsesLinkTag(source string) bool {
	return strings.Contains(source, "{% link") || strings.Contains(source, "{%link")
}

// renderEncrypt implements {% encrypt a b ... %}. Arguments are Liquid
// expressions resolved against the render context, concatenated and signed
// with the tenant secret. Any failure yields an empty token; the rendered
// document still ships, with an unsigned resource.
func (e *Engine) renderEncrypt(c render.Context) (string, error) {
	secret := clientSecret(c)
	if secret == "" {
		return "", nil
	}

	var parts []interface{}
	for _, arg := range strings.Fields(c.TagArgs()) {
		val, err := c.EvaluateString(arg)
		if err != nil || val == nil {
			return "", nil
		}
		parts = append(parts, val)
	}
	return signing.ClientToken(secret, parts...), nil
}

// renderLink implements {% link 'url' %}. With a live dispatch/subscriber
// pair in scope it emits a signed click-redirect URL; otherwise (previews,
// view-online) the destination passes through untouched.
func (e *Engine) renderLink(c render.Context) (string, error) {
	val, err := c.EvaluateString(c.TagArgs())
	if err != nil {
		return "", err
	}
	dest := fmt.Sprintf("%v", val)

	dispatchID := bindingString(c, BindDispatchID)
	subscriberID := bindingString(c, BindSubscriberID)
	if dispatchID == "" || subscriberID == "" {
		return dest, nil
	}

	sig := e.signer.Sign(dispatchID, subscriberID, dest)
	return fmt.Sprintf("%s/tracking/click/%s/%s/?url=%s&s=%s",
		e.baseURL, dispatchID, subscriberID, url.QueryEscape(dest), sig), nil
}

// OpenPixelURL builds the signed open-beacon URL for a dispatch/subscriber
// pair.
func (e *Engine) OpenPixelURL(dispatchID, subscriberID string) string {
	sig := e.signer.Sign(dispatchID, subscriberID)
	return fmt.Sprintf("%s/tracking/%s/%s/?s=%s", e.baseURL, dispatchID, subscriberID, sig)
}

func clientSecret(c render.Context) string {
	client, ok := c.Get(BindClient).(map[string]interface{})
	if !ok {
		return ""
	}
	secret, _ := client[ClientSecretKey].(string)
	return secret
}

func bindingString(c render.Context, key string) string {
	v := c.Get(key)
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
