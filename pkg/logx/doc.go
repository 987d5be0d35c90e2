// Package logx is modeshift's structured logger: a thin value-type wrapper
// over zerolog with a readable console sink, a JSON file sink, and level and
// sink changes applied on config reload.
package logx
