package aistudio

import "embed"

// TemplateFS contains the embedded HTML partials used by the structural renderers (code boxes, math
// boxes, inline code) when a chat answer is turned into HTML.
//
//go:embed templates/*
var TemplateFS embed.FS
