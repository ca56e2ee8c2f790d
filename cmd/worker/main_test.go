package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parahub/parahub/internal/app"
	_ "github.com/parahub/parahub/internal/testing/guard"
)

func TestWorkerSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	main()
}
