package pattern

// Built-in pattern library. Every entry must pass Validate; the test suite
// enforces that.

var builtins = []*Pattern{
	{
		ID:          "down_4",
		Name:        "Quarter Downstrums",
		TimeSig:     TimeSig{4, 4},
		StepsPerBar: 4,
		Steps: []Step{
			{T: 0.0, Dir: Down, Accent: 0.8, Technique: Open},
			{T: 0.25, Dir: Down, Technique: Open},
			{T: 0.5, Dir: Down, Technique: Open},
			{T: 0.75, Dir: Down, Technique: Open},
		},
		DefaultBPM: 80,
		MinBPM:     40,
		MaxBPM:     140,
		Notes:      "One downstrum per beat. The place to start.",
	},
	{
		ID:          "rock_8",
		Name:        "Old Faithful",
		TimeSig:     TimeSig{4, 4},
		StepsPerBar: 8,
		Steps: []Step{
			{T: 0.0, Dir: Down, Accent: 0.8, Technique: Open},
			{T: 0.125, Dir: Rest, Technique: Open},
			{T: 0.25, Dir: Down, Technique: Open},
			{T: 0.375, Dir: Up, Technique: Open},
			{T: 0.5, Dir: Rest, Technique: Open},
			{T: 0.625, Dir: Up, Technique: Open},
			{T: 0.75, Dir: Down, Technique: Open},
			{T: 0.875, Dir: Up, Technique: Open},
		},
		DefaultBPM: 92,
		MinBPM:     60,
		MaxBPM:     160,
		Notes:      "D _ D U _ U D U. The campfire workhorse.",
	},
	{
		ID:          "eighths_alt",
		Name:        "Alternating Eighths",
		TimeSig:     TimeSig{4, 4},
		StepsPerBar: 8,
		Steps: []Step{
			{T: 0.0, Dir: Down, Accent: 0.6, Technique: Open},
			{T: 0.125, Dir: Up, Technique: Open},
			{T: 0.25, Dir: Down, Accent: 0.6, Technique: Open},
			{T: 0.375, Dir: Up, Technique: Open},
			{T: 0.5, Dir: Down, Accent: 0.6, Technique: Open},
			{T: 0.625, Dir: Up, Technique: Open},
			{T: 0.75, Dir: Down, Accent: 0.6, Technique: Open},
			{T: 0.875, Dir: Up, Technique: Open},
		},
		DefaultBPM: 100,
		MinBPM:     50,
		MaxBPM:     180,
		Notes:      "Constant down-up motion, accents on the beats.",
	},
	{
		ID:          "waltz_6",
		Name:        "Waltz Strum",
		TimeSig:     TimeSig{3, 4},
		StepsPerBar: 6,
		Steps: []Step{
			{T: 0.0, Dir: Down, Accent: 0.8, Technique: Open},
			{T: 1.0 / 6, Dir: Rest, Technique: Open},
			{T: 2.0 / 6, Dir: Down, Technique: Open},
			{T: 3.0 / 6, Dir: Up, Technique: Open},
			{T: 4.0 / 6, Dir: Down, Technique: Open},
			{T: 5.0 / 6, Dir: Up, Technique: Open},
		},
		DefaultBPM: 110,
		MinBPM:     60,
		MaxBPM:     160,
		Notes:      "Three-four feel with a heavy one.",
	},
	{
		ID:          "reggae_off",
		Name:        "Offbeat Skank",
		TimeSig:     TimeSig{4, 4},
		StepsPerBar: 8,
		Steps: []Step{
			{T: 0.0, Dir: Rest, Technique: Open},
			{T: 0.125, Dir: Up, Accent: 0.5, Technique: Mute},
			{T: 0.25, Dir: Rest, Technique: Open},
			{T: 0.375, Dir: Up, Accent: 0.5, Technique: Mute},
			{T: 0.5, Dir: Rest, Technique: Open},
			{T: 0.625, Dir: Up, Accent: 0.5, Technique: Mute},
			{T: 0.75, Dir: Rest, Technique: Open},
			{T: 0.875, Dir: Up, Accent: 0.5, Technique: Mute},
		},
		DefaultBPM: 80,
		MinBPM:     60,
		MaxBPM:     120,
		Notes:      "Nothing on the beat, choked upstrokes between.",
	},
	{
		ID:          "pop_punk_8",
		Name:        "Driving Palm Eighths",
		TimeSig:     TimeSig{4, 4},
		StepsPerBar: 8,
		Steps: []Step{
			{T: 0.0, Dir: Down, Accent: 0.6, Technique: Palm},
			{T: 0.125, Dir: Down, Technique: Palm},
			{T: 0.25, Dir: Down, Accent: 0.6, Technique: Palm},
			{T: 0.375, Dir: Down, Technique: Palm},
			{T: 0.5, Dir: Down, Accent: 0.6, Technique: Palm},
			{T: 0.625, Dir: Down, Technique: Palm},
			{T: 0.75, Dir: Down, Accent: 0.6, Technique: Palm},
			{T: 0.875, Dir: Down, Technique: Palm},
		},
		DefaultBPM: 140,
		MinBPM:     90,
		MaxBPM:     200,
		Notes:      "All downstrokes, palm muted, relentless.",
	},
}

// Builtins returns the built-in library keyed by id. The patterns themselves
// are shared and must not be mutated.
func Builtins() map[string]*Pattern {
	out := make(map[string]*Pattern, len(builtins))
	for _, p := range builtins {
		out[p.ID] = p
	}
	return out
}

// Builtin looks up a single built-in pattern by id.
func Builtin(id string) (*Pattern, bool) {
	for _, p := range builtins {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}
