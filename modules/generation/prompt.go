package generation

import "fmt"

// BuildAnglePrompt - 앵글별 이미지 생성 지시문
func BuildAnglePrompt(promptFragment string) string {
	return fmt.Sprintf("Generate a high-quality, photorealistic version of the subject in this image from a %s. "+
		"Maintain the same subject identity, colors, and style. Output ONLY the image.", promptFragment)
}
