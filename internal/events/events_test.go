package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		method string
		want   Kind
	}{
		{"thread/started", KindThread},
		{"turn/started", KindTurn},
		{"turn/completed", KindTurn},
		{"item/agentMessage", KindItem},
		{"item/commandExecution/requestApproval", KindApproval},
		{"item/fileChange/requestApproval", KindApproval},
		{"tool/requestUserInput", KindInteraction},
		{"item/tool/requestUserInput", KindInteraction},
		{"account/loginStatus", KindSystem},
		{"", KindSystem},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.method))
		})
	}
}
