// Package logger expone un logger Zap singleton con scoping por contexto.
//
// Inicialización (una vez en main):
//
//	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level, ServiceName: "hellofed"})
//	defer logger.Sync()
//
// Los componentes reciben un *zap.Logger en su constructor; si no se pasa
// ninguno usan logger.Named("<componente>"):
//
//	log := logger.Named("delivery").With(logger.Inbox(inbox))
//	log.Warn("delivery failed", logger.Status(code), logger.Attempt(n))
//
// En handlers HTTP el middleware inyecta un logger scoped que se recupera con
// logger.From(ctx).
package logger
