package cdpgateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/stepdeck/internal/gateway"
	"github.com/dgnsrekt/stepdeck/internal/types"
)

// jsProbe describes the element at (x, y). It resolves to null when the
// point is empty. Keys match the JSON tags of types.Probe.
const jsProbe = `(function(x, y) {
  var el = document.elementFromPoint(x, y);
  if (!el) return null;
  var cssPath = function(node) {
    var parts = [];
    while (node && node.nodeType === 1 && node !== document.body) {
      var part = node.tagName.toLowerCase();
      if (node.id && node.id.indexOf("::") < 0) { parts.unshift("#" + CSS.escape(node.id)); break; }
      var parent = node.parentElement;
      if (parent) {
        var same = Array.prototype.filter.call(parent.children, function(c) { return c.tagName === node.tagName; });
        if (same.length > 1) part += ":nth-of-type(" + (same.indexOf(node) + 1) + ")";
      }
      parts.unshift(part);
      node = parent;
    }
    return parts.length ? parts.join(" > ") : "body";
  };
  var attrs = {};
  for (var i = 0; i < el.attributes.length; i++) attrs[el.attributes[i].name] = el.attributes[i].value;
  var tag = el.tagName.toLowerCase();
  var type = (el.getAttribute("type") || "").toLowerCase();
  var label = "";
  if (el.labels && el.labels.length) label = el.labels[0].innerText.trim();
  else if (el.getAttribute("aria-label")) label = el.getAttribute("aria-label");
  var textControl = tag === "textarea" || el.isContentEditable ||
    (tag === "input" && ["button","submit","checkbox","radio","file","reset","image","hidden"].indexOf(type) < 0);
  var category = tag === "input" ? (type || "text") : (tag === "textarea" ? "textarea" : (el.isContentEditable ? "contenteditable" : ""));
  var r = el.getBoundingClientRect();
  var cs = getComputedStyle(el);
  var px = function(v) { var n = parseFloat(v); return isNaN(n) ? 0 : n; };
  var link = el.closest("a[href]");
  return {
    tag: tag,
    type: type,
    input_category: category,
    role: el.getAttribute("role") || "",
    selector: cssPath(el),
    placeholder: el.getAttribute("placeholder") || "",
    label_text: label,
    value: ("value" in el && typeof el.value === "string") ? el.value : "",
    href: link ? link.href : "",
    content_editable: !!el.isContentEditable,
    is_text_control: textControl,
    rect: {x: r.x, y: r.y, width: r.width, height: r.height},
    metrics: {
      padding_left: px(cs.paddingLeft), padding_right: px(cs.paddingRight), padding_top: px(cs.paddingTop),
      border_left: px(cs.borderLeftWidth), border_top: px(cs.borderTopWidth),
      line_height: px(cs.lineHeight), font_size: px(cs.fontSize)
    },
    styles: {
      font_family: cs.fontFamily, font_weight: cs.fontWeight, color: cs.color,
      background_color: cs.backgroundColor, text_align: cs.textAlign, border_radius: cs.borderRadius
    },
    attrs: attrs
  };
})(%d, %d)`

func (c *Client) ProbeElement(ctx context.Context, sessionID, tabID string, at types.Coords) (gateway.ProbeResult, error) {
	s, envErr := c.session(sessionID)
	if envErr != nil {
		return gateway.ProbeResult{Envelope: gateway.Envelope{Error: envErr}}, nil
	}
	t, ok := s.tab(tabID)
	if !ok {
		return gateway.ProbeResult{Envelope: gateway.Fail("tab not found: " + tabID)}, nil
	}
	runCtx, cancel := c.runCtx(ctx, t)
	defer cancel()

	var probe *types.Probe
	err := chromedp.Run(runCtx, chromedp.Evaluate(fmt.Sprintf(jsProbe, at.X, at.Y), &probe))
	if errors.Is(err, chromedp.ErrJSNull) || errors.Is(err, chromedp.ErrJSUndefined) {
		return gateway.ProbeResult{}, nil
	}
	if err != nil {
		return gateway.ProbeResult{}, wrapCDP("probe element", err)
	}
	if probe != nil && probe.Tag == "a" && probe.Href == "" {
		probe.Href = probe.Attr("href")
	}
	return gateway.ProbeResult{Probe: probe}, nil
}
