package analysis

const textPrompt = `You are a performance-marketing strategist reviewing a competitor's ad.
The ad is given as raw JSON scraped from an ad library.
Respond with a single JSON object with exactly these keys:
  "summary": string, two or three sentences on what the ad sells and to whom,
  "rewrittenCopy": string, an improved version of the primary ad copy,
  "keyInsights": array of short strings,
  "competitorStrategy": string, the positioning and funnel stage the ad targets,
  "recommendations": array of short, actionable strings for our own campaigns.
Do not include any text outside the JSON object.`

const imagePrompt = `Analyze this ad creative image for a competitive review.
Respond with a single JSON object with the keys
"visualStyle", "dominantColors" (array), "textOverlay", "productFocus",
"emotionalTone", "callToAction" and "effectiveness" (1 to 10).
Do not include any text outside the JSON object.`

const videoPrompt = `Analyze this ad video for a competitive review.
Respond with a single JSON object with the keys
"hook" (what happens in the first three seconds), "narrative", "pacing",
"visualStyle", "audioCues", "callToAction", "targetAudience" and
"effectiveness" (1 to 10).
Do not include any text outside the JSON object.`
