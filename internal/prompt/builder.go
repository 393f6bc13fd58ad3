// Package prompt turns a task's scene selection into the natural-language
// instruction sent to the image model backend.
package prompt

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"

	"studio-server/internal/domain"
)

// Scene is one entry of the style catalog shown to users.
type Scene struct {
	ID          string
	Name        string
	Setting     string
	Lighting    string
	Mood        string
	Instruction string
}

// Request carries the task context the builder needs.
type Request struct {
	Type       domain.TaskType
	SceneID    string
	Locale     string
	UserParams map[string]string
}

// Builder resolves a scene and produces the generation prompt. An unknown
// type/scene combination never fails: the builder falls back to a canned
// default so a stale scene catalog cannot strand a paid task.
type Builder struct {
	scenes  map[domain.TaskType]map[string]Scene
	matcher language.Matcher
}

// NewBuilder constructs a Builder over the built-in scene catalog.
func NewBuilder() *Builder {
	return &Builder{
		scenes:  catalog,
		matcher: language.NewMatcher([]language.Tag{language.English, language.Chinese}),
	}
}

// Build returns the prompt string for the request.
func (b *Builder) Build(req Request) string {
	scene, ok := b.scenes[req.Type][req.SceneID]
	if !ok {
		return b.defaultPrompt(req.Type)
	}

	var sb strings.Builder
	sb.WriteString(baseInstruction[req.Type])
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Scene: %s. Setting: %s. Lighting: %s. Mood: %s.\n", scene.Name, scene.Setting, scene.Lighting, scene.Mood)
	if scene.Instruction != "" {
		sb.WriteString(scene.Instruction)
		sb.WriteString("\n")
	}
	if style := req.UserParams["style"]; style != "" {
		fmt.Fprintf(&sb, "Preferred style: %s.\n", style)
	}
	if b.resolveLocale(req.Locale) == language.Chinese {
		sb.WriteString("Preserve natural East Asian facial features and skin tones.\n")
	}
	sb.WriteString("Output one photorealistic photograph. Keep the subject's face and body proportions unchanged.")
	return sb.String()
}

// resolveLocale maps an arbitrary BCP 47 tag onto a supported base language.
func (b *Builder) resolveLocale(locale string) language.Tag {
	tag, err := language.Parse(locale)
	if err != nil {
		return language.English
	}
	matched, _, _ := b.matcher.Match(tag)
	base, _ := matched.Base()
	if base.String() == "zh" {
		return language.Chinese
	}
	return language.English
}

func (b *Builder) defaultPrompt(typ domain.TaskType) string {
	if base, ok := baseInstruction[typ]; ok {
		return base + "\nUse a clean studio backdrop with soft key lighting. Output one photorealistic photograph."
	}
	return "Create one photorealistic, professionally lit photograph of the subject. Keep the subject's face and proportions unchanged."
}

var baseInstruction = map[domain.TaskType]string{
	domain.TaskTypePhotography: "You are a professional portrait photographer shooting a commercial session. " +
		"The person in the provided photo is the subject; keep their identity exactly as captured.",
	domain.TaskTypeFitting: "You are a fashion photographer shooting a try-on session. " +
		"Dress the person from the first photo in the garments from the remaining photos, as one complete outfit.",
	domain.TaskTypePersonalFitting: "You are a personal stylist's photographer. " +
		"Show the person from the photo wearing the selected garments, full body, natural stance.",
	domain.TaskTypeTravel: "You are a travel photographer. " +
		"Place the person from the photo naturally into the destination scene, matching perspective and light.",
}
