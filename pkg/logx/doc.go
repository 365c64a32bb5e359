// Package logx provides a small structured logging facade over zerolog.
//
// Services receive a Logger value; the backing Service can swap sinks and
// levels at runtime (config hot reload) without invalidating held loggers.
package logx
