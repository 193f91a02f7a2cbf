package main

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// mustBind ties a flag to a viper key. Only one flag may be bound to a key.
func mustBind(key string, flag *pflag.Flag) {
	if flag == nil {
		panic("no flag for config key " + key)
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}
