package expressions

func sampleData() map[string]any {
	return map[string]any{
		NSStates: map[string]any{
			"build": map[string]any{
				"version": "1.4.2",
				"regions": []any{"us-east-1", "eu-west-1"},
				"artifacts": []any{
					map[string]any{"buildNo": "1.0", "streamId": "S1", "ready": true},
					map[string]any{"buildNo": "2.0", "streamId": "S2", "ready": false},
				},
			},
		},
		NSWorkflow: map[string]any{"id": "wf-1", "execution_id": "wfe-1"},
		NSApp:      map[string]any{"id": "app-1", "account_id": "acc-1"},
		NSContext:  map[string]any{"phaseName": "deploy-prod"},
	}
}
