package prompt

import "studio-server/internal/domain"

// catalog is the built-in scene list. IDs are stable and referenced by the
// mobile client; retire scenes by removing their catalog entry, the builder
// falls back to the per-type default for retired IDs.
var catalog = map[domain.TaskType]map[string]Scene{
	domain.TaskTypePhotography: {
		"studio-classic": {
			ID:       "studio-classic",
			Name:     "Classic Studio",
			Setting:  "seamless gray studio backdrop",
			Lighting: "large softbox key with subtle rim light",
			Mood:     "clean, corporate, confident",
		},
		"golden-hour": {
			ID:       "golden-hour",
			Name:     "Golden Hour",
			Setting:  "open field at sunset",
			Lighting: "warm backlight, lens flare allowed",
			Mood:     "serene, cinematic",
		},
		"city-night": {
			ID:          "city-night",
			Name:        "City Night",
			Setting:     "neon-lit downtown street after rain",
			Lighting:    "mixed neon sources with reflections",
			Mood:        "moody, editorial",
			Instruction: "Use shallow depth of field; keep background lights as soft bokeh.",
		},
	},
	domain.TaskTypeFitting: {
		"runway": {
			ID:       "runway",
			Name:     "Runway",
			Setting:  "minimalist fashion runway",
			Lighting: "hard top light, high contrast",
			Mood:     "fierce, editorial, no smiling",
		},
		"street-style": {
			ID:       "street-style",
			Name:     "Street Style",
			Setting:  "sunlit urban crosswalk",
			Lighting: "natural daylight",
			Mood:     "candid, relaxed",
		},
	},
	domain.TaskTypePersonalFitting: {
		"mirror": {
			ID:       "mirror",
			Name:     "Fitting Room",
			Setting:  "boutique fitting room with full-length mirror",
			Lighting: "soft even retail lighting",
			Mood:     "practical, true-to-color",
		},
	},
	domain.TaskTypeTravel: {
		"santorini": {
			ID:       "santorini",
			Name:     "Santorini",
			Setting:  "whitewashed terrace above a blue caldera",
			Lighting: "bright Mediterranean noon",
			Mood:     "vivid, postcard",
		},
		"kyoto-autumn": {
			ID:       "kyoto-autumn",
			Name:     "Kyoto Autumn",
			Setting:  "temple path under red maple trees",
			Lighting: "overcast diffuse light",
			Mood:     "quiet, warm tones",
		},
	},
}
