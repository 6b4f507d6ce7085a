package logging

// Package-level helpers per category, matching call sites like
// logging.ProviderDebug("[OpenAI] Complete: model=%s", model).

// Boot logs at info level to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Infof(format, args...) }

// BootError logs at error level to the boot category.
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Errorf(format, args...) }

// Provider logs at info level to the provider category.
func Provider(format string, args ...interface{}) { Get(CategoryProvider).Infof(format, args...) }

// ProviderDebug logs at debug level to the provider category.
func ProviderDebug(format string, args ...interface{}) { Get(CategoryProvider).Debugf(format, args...) }

// ProviderWarn logs at warn level to the provider category.
func ProviderWarn(format string, args ...interface{}) { Get(CategoryProvider).Warnf(format, args...) }

// ProviderError logs at error level to the provider category.
func ProviderError(format string, args ...interface{}) { Get(CategoryProvider).Errorf(format, args...) }

// Pipeline logs at info level to the pipeline category.
func Pipeline(format string, args ...interface{}) { Get(CategoryPipeline).Infof(format, args...) }

// PipelineDebug logs at debug level to the pipeline category.
func PipelineDebug(format string, args ...interface{}) { Get(CategoryPipeline).Debugf(format, args...) }

// PipelineWarn logs at warn level to the pipeline category.
func PipelineWarn(format string, args ...interface{}) { Get(CategoryPipeline).Warnf(format, args...) }

// PipelineError logs at error level to the pipeline category.
func PipelineError(format string, args ...interface{}) { Get(CategoryPipeline).Errorf(format, args...) }

// Research logs at info level to the research category.
func Research(format string, args ...interface{}) { Get(CategoryResearch).Infof(format, args...) }

// ResearchDebug logs at debug level to the research category.
func ResearchDebug(format string, args ...interface{}) { Get(CategoryResearch).Debugf(format, args...) }

// ResearchWarn logs at warn level to the research category.
func ResearchWarn(format string, args ...interface{}) { Get(CategoryResearch).Warnf(format, args...) }

// Tools logs at info level to the tools category.
func Tools(format string, args ...interface{}) { Get(CategoryTools).Infof(format, args...) }

// ToolsDebug logs at debug level to the tools category.
func ToolsDebug(format string, args ...interface{}) { Get(CategoryTools).Debugf(format, args...) }

// ToolsError logs at error level to the tools category.
func ToolsError(format string, args ...interface{}) { Get(CategoryTools).Errorf(format, args...) }

// Usage logs at info level to the usage category.
func Usage(format string, args ...interface{}) { Get(CategoryUsage).Infof(format, args...) }

// UsageDebug logs at debug level to the usage category.
func UsageDebug(format string, args ...interface{}) { Get(CategoryUsage).Debugf(format, args...) }
