package ipc

import "encoding/json"

// WriteCurrentTasksSnapshot publishes the current_tasks.json periodic
// snapshot an agent reads on startup (spec §4.C).
func WriteCurrentTasksSnapshot(groupDir string, tasks any) error {
	return writeSnapshot(Paths{Root: groupDir}.CurrentTasksSnapshot(), tasks)
}

// WriteGovPipelineSnapshot publishes gov_pipeline.json.
func WriteGovPipelineSnapshot(groupDir string, pipeline any) error {
	return writeSnapshot(Paths{Root: groupDir}.GovPipelineSnapshot(), pipeline)
}

// WriteExtCapabilitiesSnapshot publishes ext_capabilities.json.
func WriteExtCapabilitiesSnapshot(groupDir string, caps any) error {
	return writeSnapshot(Paths{Root: groupDir}.ExtCapabilitiesSnapshot(), caps)
}

func writeSnapshot(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// WriteInput drops a host→agent follow-up chat message under input/ for an
// open session (spec §4.C).
func WriteInput(groupDir string, content any) error {
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	paths := Paths{Root: groupDir}
	return writeAtomic(paths.Input()+"/"+newFilename(), data)
}

// CloseSession drops the "_close" terminate sentinel under input/.
func CloseSession(groupDir string) error {
	paths := Paths{Root: groupDir}
	return writeAtomic(paths.CloseSentinel(), []byte("{}"))
}

// SubmitTaskRequest writes a task request file under tasks/, as an agent
// worker would. Exposed for tests and for host-side components that need
// to simulate an agent-originated request.
func SubmitTaskRequest(groupDir string, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	paths := Paths{Root: groupDir}
	return writeAtomic(paths.Tasks()+"/"+newFilename(), data)
}
