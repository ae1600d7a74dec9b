package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/psafont/rrdd-plugins/config"
)

func TestApplyOverrides(t *testing.T) {
	conf := config.NewConfig()
	defaultPort, defaultInterval := conf.Port, conf.Interval

	applyOverrides(conf, 0, 0)
	assert.Equal(t, defaultPort, conf.Port)
	assert.Equal(t, defaultInterval, conf.Interval)

	applyOverrides(conf, 9100, 30)
	assert.Equal(t, uint(9100), conf.Port)
	assert.Equal(t, uint(30), conf.Interval)
}
