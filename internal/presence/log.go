package presence

import "log/slog"

var log = slog.Default().With("component", "presence")
