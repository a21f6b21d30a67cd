package component

type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type IoTSensor struct {
	SensorId string  `mapstructure:"sensor_id"`
	Mean     float64 `mapstructure:"mean"`
	Std      float64 `mapstructure:"standard_deviation"`
	DelayMin uint32  `mapstructure:"delay_min"`
	DelayMax uint32  `mapstructure:"delay_max"`
	// Randomize the delay between data points, otherwise DelayMin is used.
	Randomize bool `mapstructure:"randomize"`
}
