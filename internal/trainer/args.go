package trainer

// TrainingArguments is handed to the trainer opaquely; the training service
// owns every field's semantics. JSON names follow the HuggingFace
// TrainingArguments schema so the payload maps one-to-one onto the
// trainer's configuration.
type TrainingArguments struct {
	OutputDir                 string  `json:"output_dir"`
	NumTrainEpochs            int     `json:"num_train_epochs"`
	AutoFindBatchSize         bool    `json:"auto_find_batch_size"`
	GradientAccumulationSteps int     `json:"gradient_accumulation_steps"`
	Optim                     string  `json:"optim"`
	SaveStrategy              string  `json:"save_strategy"`
	LearningRate              float64 `json:"learning_rate"`
	LRSchedulerType           string  `json:"lr_scheduler_type"`
	LoggingStrategy           string  `json:"logging_strategy"`
	LoggingSteps              int     `json:"logging_steps"`
}

// DefaultArguments returns the standard instruction-finetune configuration.
func DefaultArguments(outputDir string) TrainingArguments {
	return TrainingArguments{
		OutputDir:                 outputDir,
		NumTrainEpochs:            6,
		AutoFindBatchSize:         true,
		GradientAccumulationSteps: 1,
		Optim:                     "adamw_torch",
		SaveStrategy:              "epoch",
		LearningRate:              2e-5,
		LRSchedulerType:           "constant",
		LoggingStrategy:           "steps",
		LoggingSteps:              50,
	}
}
