package app

import "modeshift/internal/config"

// Config is the on-disk configuration the app is built from.
type Config = config.Config
