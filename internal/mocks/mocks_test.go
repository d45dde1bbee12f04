package mocks

import (
	"github.com/xkilldash9x/pagepilot/api/schemas"
)

// Compile time checks that the mocks satisfy the contracts they stand in for.
var (
	_ schemas.Browser   = (*MockBrowser)(nil)
	_ schemas.Detector  = (*MockDetector)(nil)
	_ schemas.LLMClient = (*MockLLMClient)(nil)
	_ schemas.RunStore  = (*MockRunStore)(nil)
)
