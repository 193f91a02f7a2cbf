package metrics

const (
	// process health
	MetricUp = "probe_deployer_up"

	// run
	MetricRunState          = "probe_deployer_run_state"
	MetricDevices           = "probe_deployer_devices"
	MetricDevicesCompleted  = "probe_deployer_devices_completed"
	MetricDevicesSuccessful = "probe_deployer_devices_successful"

	// jobs
	MetricJobs        = "probe_deployer_jobs"
	MetricJobProgress = "probe_deployer_job_progress_percent"

	// executors
	MetricStageActive   = "probe_deployer_stage_active_workers"
	MetricStageAdmitted = "probe_deployer_stage_admitted_jobs"
	MetricStageSkipped  = "probe_deployer_stage_skipped_jobs"

	// per-device outcome from the cache
	MetricDeviceDeployed = "probe_deployer_device_deployed"
	MetricDeviceDuration = "probe_deployer_device_install_duration_seconds"
	MetricDeviceAge      = "probe_deployer_device_result_age_seconds"

	MetricCollectDuration = "probe_deployer_collect_duration_seconds"
)
