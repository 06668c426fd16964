package speech

// Config carries the speech vendor settings shared by the TTS client and the
// live recognizer.
type Config struct {
	AppID       string  `json:"appId"`
	AccessToken string  `json:"accessToken"`
	ASRLanguage string  `json:"asrLanguage"`
	TTSVoice    string  `json:"ttsVoice"`
	TTSSpeed    float32 `json:"ttsSpeed"`
	TTSVolume   float32 `json:"ttsVolume"`
	TTSLanguage string  `json:"ttsLanguage"`
}
